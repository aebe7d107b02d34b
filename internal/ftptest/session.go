package ftptest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const dataTimeout = 10 * time.Second

type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	user     string
	loggedIn bool
	cwd      string

	pasvListener net.Listener
	activeAddr   string
}

var commandHandlers = map[string]func(*session, string){
	"CWD":  (*session).handleCWD,
	"PWD":  (*session).handlePWD,
	"MKD":  (*session).handleMKD,
	"DELE": (*session).handleDELE,
	"SIZE": (*session).handleSIZE,
	"TYPE": (*session).handleTYPE,
	"PASV": (*session).handlePASV,
	"EPSV": (*session).handleEPSV,
	"PORT": (*session).handlePORT,
	"EPRT": (*session).handleEPRT,
	"STOR": (*session).handleSTOR,
	"RETR": (*session).handleRETR,
	"LIST": (*session).handleLIST,
	"NLST": (*session).handleNLST,
}

func (s *session) serve() {
	defer s.conn.Close()
	defer s.closeData()

	s.reply(220, "ftptest ready")

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		logged := line
		if verb == "PASS" {
			logged = "PASS ****"
		}
		s.server.record(logged)
		s.server.logger.Debug("ftptest command", zap.String("line", logged))

		if canned, ok := s.server.reply(verb); ok {
			s.writeLine(canned)
			continue
		}

		if !s.handle(verb, arg) {
			return
		}
	}
}

// handle runs one command and reports whether the session stays open.
func (s *session) handle(verb, arg string) bool {
	switch verb {
	case "USER":
		s.user, s.loggedIn = arg, false
		s.reply(331, "Password required for "+arg)
		return true
	case "PASS":
		if pw, ok := s.server.users[s.user]; ok && pw == arg {
			s.loggedIn = true
			s.reply(230, "Logged in")
		} else {
			s.reply(530, "Login incorrect")
		}
		return true
	case "QUIT":
		s.reply(221, "Goodbye")
		return false
	case "NOOP":
		s.reply(200, "OK")
		return true
	case "FEAT":
		s.writeLine("211-Features:")
		for _, f := range []string{"EPSV", "PASV", "SIZE", "UTF8"} {
			s.writeLine(" " + f)
		}
		s.reply(211, "End")
		return true
	case "OPTS":
		if strings.EqualFold(arg, "UTF8 ON") {
			s.reply(200, "UTF8 mode enabled")
		} else {
			s.reply(501, "Option not understood")
		}
		return true
	}

	handler, ok := commandHandlers[verb]
	if !ok {
		s.reply(502, "Command not implemented")
		return true
	}
	if !s.loggedIn {
		s.reply(530, "Not logged in")
		return true
	}
	handler(s, arg)
	return true
}

func (s *session) reply(code int, msg string) {
	s.writeLine(strconv.Itoa(code) + " " + msg)
}

func (s *session) writeLine(line string) {
	s.server.logger.Debug("ftptest reply", zap.String("line", line))
	_, _ = s.writer.WriteString(line + "\r\n")
	_ = s.writer.Flush()
}

func (s *session) local(p string) (string, string) {
	virtual := cleanPath(s.cwd, p)
	return virtual, filepath.Join(s.server.root, filepath.FromSlash(virtual))
}

func (s *session) handleCWD(arg string) {
	virtual, local := s.local(arg)
	if fi, err := os.Stat(local); err != nil || !fi.IsDir() {
		s.reply(550, arg+": No such directory")
		return
	}
	s.cwd = virtual
	s.reply(250, "Directory changed to "+virtual)
}

func (s *session) handlePWD(string) {
	s.reply(257, `"`+strings.ReplaceAll(s.cwd, `"`, `""`)+`" is the current directory`)
}

func (s *session) handleMKD(arg string) {
	virtual, local := s.local(arg)
	if err := os.Mkdir(local, 0o755); err != nil {
		s.reply(550, arg+": "+errText(err))
		return
	}
	s.reply(257, `"`+virtual+`" created`)
}

func (s *session) handleDELE(arg string) {
	_, local := s.local(arg)
	if fi, err := os.Stat(local); err != nil || fi.IsDir() {
		s.reply(550, arg+": No such file")
		return
	}
	if err := os.Remove(local); err != nil {
		s.reply(550, arg+": "+errText(err))
		return
	}
	s.reply(250, "File deleted")
}

func (s *session) handleSIZE(arg string) {
	_, local := s.local(arg)
	fi, err := os.Stat(local)
	if err != nil || !fi.Mode().IsRegular() {
		s.reply(550, arg+": No such file")
		return
	}
	s.reply(213, strconv.FormatInt(fi.Size(), 10))
}

func (s *session) handleTYPE(arg string) {
	switch strings.ToUpper(arg) {
	case "A", "I":
		s.reply(200, "Type set to "+strings.ToUpper(arg))
	default:
		s.reply(504, "Type not supported")
	}
}

func (s *session) listen() (int, bool) {
	s.closeData()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.reply(425, "Cannot open passive connection")
		return 0, false
	}
	s.pasvListener = l
	return l.Addr().(*net.TCPAddr).Port, true
}

func (s *session) handlePASV(string) {
	port, ok := s.listen()
	if !ok {
		return
	}
	s.reply(227, "Entering Passive Mode ("+formatPASV(s.server.advertisedHost, port)+")")
}

func (s *session) handleEPSV(string) {
	port, ok := s.listen()
	if !ok {
		return
	}
	s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port))
}

func (s *session) handlePORT(arg string) {
	addr, err := parsePORT(arg)
	if err != nil {
		s.reply(501, err.Error())
		return
	}
	s.closeData()
	s.activeAddr = addr
	s.reply(200, "PORT command successful")
}

func (s *session) handleEPRT(arg string) {
	addr, err := parseEPRT(arg)
	if err != nil {
		s.reply(501, err.Error())
		return
	}
	s.closeData()
	s.activeAddr = addr
	s.reply(200, "EPRT command successful")
}

// openData connects the data channel announced by the last PASV, EPSV,
// PORT or EPRT. The channel is consumed by one transfer.
func (s *session) openData() (net.Conn, error) {
	defer s.closeData()

	if s.pasvListener != nil {
		if tl, ok := s.pasvListener.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(dataTimeout))
		}
		return s.pasvListener.Accept()
	}
	if s.activeAddr != "" {
		return net.DialTimeout("tcp", s.activeAddr, dataTimeout)
	}
	return nil, fmt.Errorf("no data connection")
}

func (s *session) closeData() {
	if s.pasvListener != nil {
		s.pasvListener.Close()
		s.pasvListener = nil
	}
	s.activeAddr = ""
}

// transfer announces a transfer, runs fn on the data channel and reports
// the outcome.
func (s *session) transfer(fn func(conn net.Conn) error) {
	s.reply(150, "Opening data connection")
	conn, err := s.openData()
	if err != nil {
		s.reply(425, "Cannot open data connection")
		return
	}
	_ = conn.SetDeadline(time.Now().Add(dataTimeout))
	err = fn(conn)
	conn.Close()
	if err != nil {
		s.reply(426, "Transfer aborted: "+err.Error())
		return
	}
	s.reply(226, "Transfer complete")
}

func (s *session) handleSTOR(arg string) {
	_, local := s.local(arg)
	f, err := os.Create(local)
	if err != nil {
		s.closeData()
		s.reply(553, arg+": "+errText(err))
		return
	}
	s.transfer(func(conn net.Conn) error {
		_, err := io.Copy(f, conn)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	})
}

func (s *session) handleRETR(arg string) {
	_, local := s.local(arg)
	f, err := os.Open(local)
	if err != nil {
		s.closeData()
		s.reply(550, arg+": No such file")
		return
	}
	defer f.Close()
	if fi, err := f.Stat(); err != nil || fi.IsDir() {
		s.closeData()
		s.reply(550, arg+": Not a plain file")
		return
	}
	s.transfer(func(conn net.Conn) error {
		_, err := io.Copy(conn, f)
		return err
	})
}

func (s *session) readDir(arg string) ([]os.FileInfo, bool) {
	_, local := s.local(arg)
	fi, err := os.Stat(local)
	if err != nil {
		s.closeData()
		s.reply(550, arg+": No such file or directory")
		return nil, false
	}
	if !fi.IsDir() {
		return []os.FileInfo{fi}, true
	}
	dirEntries, err := os.ReadDir(local)
	if err != nil {
		s.closeData()
		s.reply(550, arg+": "+errText(err))
		return nil, false
	}
	infos := make([]os.FileInfo, 0, len(dirEntries))
	for _, e := range dirEntries {
		if info, err := e.Info(); err == nil {
			infos = append(infos, info)
		}
	}
	return infos, true
}

func (s *session) handleLIST(arg string) {
	infos, ok := s.readDir(arg)
	if !ok {
		return
	}
	s.transfer(func(conn net.Conn) error {
		w := bufio.NewWriter(conn)
		for _, fi := range infos {
			perms := "-rw-r--r--"
			if fi.IsDir() {
				perms = "drwxr-xr-x"
			}
			fmt.Fprintf(w, "%s 1 ftp ftp %d %s %s\r\n", perms, fi.Size(), fi.ModTime().UTC().Format("Jan 02 15:04"), fi.Name())
		}
		return w.Flush()
	})
}

func (s *session) handleNLST(arg string) {
	infos, ok := s.readDir(arg)
	if !ok {
		return
	}
	s.transfer(func(conn net.Conn) error {
		w := bufio.NewWriter(conn)
		for _, fi := range infos {
			fmt.Fprintf(w, "%s\r\n", fi.Name())
		}
		return w.Flush()
	})
}

func errText(err error) string {
	switch {
	case os.IsNotExist(err):
		return "No such file or directory"
	case os.IsExist(err):
		return "File exists"
	case os.IsPermission(err):
		return "Permission denied"
	default:
		return "Operation failed"
	}
}
