package capability

type Category string

const (
	CategoryImage        Category = "image"
	CategoryAudio        Category = "audio"
	CategoryVideo        Category = "video"
	CategoryDocument     Category = "document"
	CategorySpreadsheet  Category = "spreadsheet"
	CategoryPresentation Category = "presentation"
	CategoryEbook        Category = "ebook"
	CategoryArchive      Category = "archive"
)

// FormatRow declares the outputs reachable from one input format.
type FormatRow struct {
	Input    string
	Outputs  []string
	Category Category
}

var imageOutputPriority = []string{"png", "jpg", "webp", "avif", "gif", "bmp", "tiff", "pdf"}

var (
	audioCore             = []string{"mp3", "wav", "flac", "aac", "m4a", "ogg", "opus", "wma", "aiff", "alac"}
	audioPreferredOutputs = []string{"mp3", "wav", "flac", "aac", "ogg", "opus"}

	videoCore             = []string{"mp4", "mkv", "mov", "webm", "avi", "wmv", "flv", "m4v", "mpeg", "3gp"}
	videoPreferredOutputs = []string{"mp4", "mkv", "mov", "webm", "mp3", "aac", "wav", "flac", "opus"}

	documentFormats     = []string{"pdf", "docx", "doc", "odt", "rtf", "txt", "html", "md"}
	spreadsheetFormats  = []string{"xlsx", "xls", "ods", "csv", "tsv"}
	presentationFormats = []string{"pptx", "ppt", "odp", "key"}
	ebookFormats        = []string{"epub", "mobi", "azw3", "fb2", "htmlz", "txt", "pdf"}
	archiveFormats      = []string{"zip", "tar", "gz", "bz2", "xz", "7z", "rar"}
)

// FormatMatrix is the declarative list of supported conversions.
func FormatMatrix() []FormatRow {
	var rows []FormatRow
	for _, in := range []string{"png", "jpg", "webp", "avif", "gif", "bmp", "tiff"} {
		rows = append(rows, FormatRow{Input: in, Outputs: without(imageOutputPriority, in), Category: CategoryImage})
	}
	for _, in := range []string{"heic", "svg", "ico"} {
		rows = append(rows, FormatRow{Input: in, Outputs: imageOutputPriority, Category: CategoryImage})
	}

	rows = append(rows, denseRows(audioCore, CategoryAudio, audioPreferredOutputs)...)
	rows = append(rows, denseRows(videoCore, CategoryVideo, videoPreferredOutputs)...)
	rows = append(rows, denseRows(documentFormats, CategoryDocument, []string{"pdf", "txt", "html", "md", "docx", "odt", "rtf"})...)
	rows = append(rows, denseRows(spreadsheetFormats, CategorySpreadsheet, []string{"xlsx", "ods", "csv", "tsv", "pdf"})...)
	rows = append(rows, denseRows(presentationFormats, CategoryPresentation, []string{"pdf", "png", "jpg"})...)
	rows = append(rows, denseRows(ebookFormats, CategoryEbook, []string{"epub", "mobi", "azw3", "fb2", "txt", "html", "pdf"})...)
	rows = append(rows, denseRows(archiveFormats, CategoryArchive, []string{"zip", "tar", "gz", "bz2", "xz", "7z"})...)

	return rows
}

func denseRows(formats []string, category Category, outputs []string) []FormatRow {
	rows := make([]FormatRow, 0, len(formats))
	for _, in := range formats {
		rows = append(rows, FormatRow{Input: in, Outputs: without(outputs, in), Category: category})
	}
	return rows
}

func without(formats []string, skip string) []string {
	out := make([]string, 0, len(formats))
	for _, f := range formats {
		if f != skip {
			out = append(out, f)
		}
	}
	return out
}
