package escapexl

// Arg represents a command-line argument as a key-value pair.
// This structure is used to preserve the order of arguments.
type Arg struct {
	Key   string
	Value string
}

// Upload is an uploaded spreadsheet held in memory for the
// duration of one request.
type Upload struct {
	Filename string
	Data     []byte
}
