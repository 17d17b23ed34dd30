package ftp

import "strings"

// Command is one parsed control-channel line: an upper-cased verb and its raw
// argument. Arguments are not tokenized further since most of them are paths
// that may contain spaces. Known reports whether the verb is in the supported
// set; an unknown verb is still a valid Command, the session answers it with
// a 500 reply.
type Command struct {
	Verb  string
	Arg   string
	Known bool
}

// supportedCommands is the verb set this server implements.
var supportedCommands = map[string]bool{
	"USER": true, // Send username
	"PASS": true, // Send password
	"QUIT": true, // Disconnect from the server
	"NOOP": true, // No operation, keeps the connection alive
	"PWD":  true, // Print working directory
	"CWD":  true, // Change working directory
	"CDUP": true, // Change to parent directory
	"TYPE": true, // Set data transfer type (ASCII/Binary)
	"MODE": true, // Set transfer mode, only stream is supported
	"STRU": true, // Set file structure, only file is supported
	"PASV": true, // Enter passive mode
	"PORT": true, // Set active-mode target address
	"LIST": true, // List directory contents
	"NLST": true, // List directory, names only
	"RETR": true, // Retrieve a file
	"STOR": true, // Store a file
}

// ParseCommand splits one control line into a Command. Lines that are empty
// or all whitespace yield ok=false and are ignored by the caller without a
// reply. Parsing never fails: malformed input comes back as an unknown verb.
func ParseCommand(line string) (cmd Command, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Command{}, false
	}
	verb, arg, _ := strings.Cut(line, " ")
	cmd.Verb = strings.ToUpper(verb)
	cmd.Arg = strings.TrimSpace(arg)
	cmd.Known = supportedCommands[cmd.Verb]
	return cmd, true
}
