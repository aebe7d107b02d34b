// Package ftp implements the FTP client used by the filestore FTP backend,
// with support for plain and secure (FTPS) control connections.
//
// # Overview
//
// The client speaks the line based FTP control protocol: every command is
// a single CRLF terminated line and every reply starts with a three digit
// status code, optionally spanning several lines ("220-" ... "220 ").
// Failed replies are returned as *ProtocolError, which keeps the command,
// the server message and the code.
//
// # TLS Support
//
// Explicit TLS: the client connects on port 21 and upgrades with AUTH TLS,
// then sends PBSZ 0 and PROT P:
//
//	client, err := ftp.Dial("ftp.example.com:21",
//	    ftp.WithExplicitTLS(&tls.Config{ServerName: "ftp.example.com"}),
//	)
//
// Implicit TLS: the client handshakes immediately, typically on port 990:
//
//	client, err := ftp.Dial("ftp.example.com:990",
//	    ftp.WithImplicitTLS(&tls.Config{ServerName: "ftp.example.com"}),
//	)
//
// # Data Connections
//
// Passive mode is the default. EPSV is tried first and PASV is used when
// the server does not implement it. SetIgnorePassiveAddress makes PASV
// transfers connect to the control host instead of the advertised address,
// which helps with servers behind NAT. WithActiveMode switches to PORT/EPRT.
//
// # Concurrency
//
// A Client serialises commands on its control connection but the protocol
// allows a single transfer at a time. Share a Client between goroutines
// only with external coordination.
package ftp
