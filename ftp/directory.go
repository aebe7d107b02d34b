package ftp

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// List returns the files and directories in the specified path using LIST.
// If path is empty, it lists the current directory. Unix and DOS listing
// formats are understood; unparseable lines are skipped.
//
// Example:
//
//	entries, err := client.List("/pub")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, entry := range entries {
//	    fmt.Printf("%s: %d bytes (%s)\n", entry.Name, entry.Size, entry.Type)
//	}
func (c *Client) List(path string) ([]*Entry, error) {
	lines, err := c.readLines("LIST", path)
	if err != nil {
		return nil, err
	}

	var entries []*Entry
	for _, line := range lines {
		entry, ok := parseListLine(line)
		if !ok {
			c.logger.Debug("unable to parse LIST line", zap.String("raw", line))
			continue
		}
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// NameList returns a simple list of file and directory names in the specified path.
// This uses the NLST command which returns just names, one per line.
func (c *Client) NameList(path string) ([]string, error) {
	return c.readLines("NLST", path)
}

func (c *Client) readLines(cmd, path string) ([]string, error) {
	var dataConn net.Conn
	var err error
	if path == "" {
		dataConn, err = c.cmdDataConnFrom(cmd)
	} else {
		dataConn, err = c.cmdDataConnFrom(cmd, path)
	}
	if err != nil {
		return nil, err
	}

	var lines []string
	scanner := bufio.NewScanner(dataConn)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}

	if err := scanner.Err(); err != nil {
		_ = c.finishDataConn(dataConn)
		return nil, fmt.Errorf("failed to read %s data: %w", cmd, err)
	}

	if err := c.finishDataConn(dataConn); err != nil {
		return nil, err
	}

	return lines, nil
}

// ChangeDir changes the current working directory.
func (c *Client) ChangeDir(path string) error {
	_, err := c.expect2xx("CWD", path)
	return err
}

// CurrentDir returns the current working directory.
func (c *Client) CurrentDir() (string, error) {
	resp, err := c.expect2xx("PWD")
	if err != nil {
		return "", err
	}

	// 257 "/home/user" is the current directory
	dir, ok := parseQuotedPath(resp.Message)
	if !ok {
		return "", fmt.Errorf("invalid PWD response: %s", resp.Message)
	}
	return dir, nil
}

// parseQuotedPath extracts the path from a 257 reply. Embedded quotes are
// doubled per RFC 959 appendix II.
func parseQuotedPath(msg string) (string, bool) {
	start := strings.IndexByte(msg, '"')
	if start == -1 {
		return "", false
	}

	var b strings.Builder
	for i := start + 1; i < len(msg); i++ {
		if msg[i] != '"' {
			b.WriteByte(msg[i])
			continue
		}
		if i+1 < len(msg) && msg[i+1] == '"' {
			b.WriteByte('"')
			i++
			continue
		}
		return b.String(), true
	}
	return "", false
}

// MakeDir creates a new directory.
func (c *Client) MakeDir(path string) error {
	_, err := c.expect2xx("MKD", path)
	return err
}

// Delete deletes a file.
func (c *Client) Delete(path string) error {
	_, err := c.expect2xx("DELE", path)
	return err
}

// Size returns the size of a file in bytes.
func (c *Client) Size(path string) (int64, error) {
	resp, err := c.expect2xx("SIZE", path)
	if err != nil {
		return 0, err
	}

	size, err := strconv.ParseInt(strings.TrimSpace(resp.Message), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid SIZE response: %s", resp.Message)
	}

	return size, nil
}
