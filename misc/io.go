package misc

import "io"

// ReadAllUpTo reads from the reader until EOF or until maxBytes have been
// read, whichever comes first, and returns what was read.
func ReadAllUpTo(reader io.Reader, maxBytes int) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(reader, int64(maxBytes)))
	if err != nil {
		return nil, err
	}
	return buf, nil
}
