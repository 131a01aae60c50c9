package backend

// Backend is the block store a SCSI logical unit is carved from. ReadAt
// and WriteAt follow io.ReaderAt/io.WriterAt semantics; short transfers
// return an error.
type Backend interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Size() (int64, error)
	Sync() error
}
