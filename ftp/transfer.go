package ftp

import (
	"fmt"
	"io"
)

// Store uploads data from an io.Reader to the remote path, using the
// transfer type configured with WithTransferType (binary by default).
//
// Example:
//
//	file, err := os.Open("local.txt")
//	if err != nil {
//	    return err
//	}
//	defer file.Close()
//
//	err = client.Store("remote.txt", file)
func (c *Client) Store(remotePath string, r io.Reader) error {
	if err := c.Type(c.transferType); err != nil {
		return fmt.Errorf("failed to set transfer type: %w", err)
	}

	dataConn, err := c.cmdDataConnFrom("STOR", remotePath)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(dataConn, r)

	// Always finish the data connection (close and read response)
	finishErr := c.finishDataConn(dataConn)

	if copyErr != nil {
		return fmt.Errorf("upload failed: %w", copyErr)
	}
	return finishErr
}

// Retrieve downloads the remote path into w, using the transfer type
// configured with WithTransferType (binary by default).
func (c *Client) Retrieve(remotePath string, w io.Writer) error {
	if err := c.Type(c.transferType); err != nil {
		return fmt.Errorf("failed to set transfer type: %w", err)
	}

	dataConn, err := c.cmdDataConnFrom("RETR", remotePath)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(w, dataConn)

	finishErr := c.finishDataConn(dataConn)

	if copyErr != nil {
		return fmt.Errorf("download failed: %w", copyErr)
	}
	return finishErr
}
