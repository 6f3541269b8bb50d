package media

import "time"

// UploadResult describes a confirmed remote copy.
type UploadResult struct {
	URI      string
	Size     int64
	Kind     Kind
	Width    int
	Height   int
	Duration time.Duration
	// Attempts is the number of transfer attempts it took, starting at 1.
	Attempts int
}

// Compressed is what the compression service hands back for one image.
type Compressed struct {
	Path   string
	Size   int64
	Width  int
	Height int
}

// TransferRequest names the local bytes to send.
type TransferRequest struct {
	Path string
	Size int64
	Kind Kind
	// Name is the object name suggested to the remote store.
	Name string
}

// TransferResult is the remote store's confirmation.
type TransferResult struct {
	URI  string
	Size int64
}
