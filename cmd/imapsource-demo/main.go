/*
imapsource-demo is a small command line smoke test for the imap package: it
opens a configured mail source, prints its negotiated capabilities, prints
a message pointer for each key of one mailbox, and optionally dumps a single
message to stdout.
*/
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mailcore/imapsource/imap"
	"github.com/mailcore/imapsource/lalog"
)

var logger = lalog.Logger{ComponentName: "imapsource-demo", ComponentID: []lalog.LoggerIDField{{Key: "PID", Value: os.Getpid()}}}

func main() {
	configPath := flag.String("config", "", "path to a JSON file holding an imap.Config")
	mailbox := flag.String("mailbox", "INBOX", "mailbox path to inspect")
	readOnly := flag.Bool("readonly", true, "select the mailbox read-only (EXAMINE instead of SELECT)")
	useTLS := flag.Bool("tls", true, "dial with TLS from the first byte")
	dumpKey := flag.String("dump-key", "", "if set, fetch and print this single message key's raw bytes instead of listing keys")
	flag.Parse()

	if *configPath == "" {
		logger.Abort("main", nil, "-config is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Abort("main", err, "failed to load config from %s", *configPath)
	}

	source := imap.NewSource(cfg, logger, nil)
	factory := imap.NewDefaultTransportFactory(*useTLS, cfg.InsecureSkipVerify, 10*time.Second)
	conn, err := source.Open(factory)
	if err != nil {
		logger.Abort("main", err, "failed to open source %s", cfg.Key)
	}
	defer source.Quit()

	fmt.Printf("connected to %s:%d, capabilities: %v\n", cfg.Host, cfg.Port, source.Capabilities())

	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = imap.DefaultTimeoutSec
	}
	mbx := imap.NewMailbox(conn, *mailbox, "demo0001", *readOnly, timeoutSec)
	mbx.Event = source.Event

	if *dumpKey != "" {
		raw, err := mbx.Get(*dumpKey)
		if err != nil {
			logger.Abort("main", err, "failed to fetch message %s", *dumpKey)
		}
		os.Stdout.Write(raw)
		return
	}

	keys, err := mbx.IterKeys()
	if err != nil {
		logger.Abort("main", err, "failed to enumerate mailbox %s", *mailbox)
	}
	for _, key := range keys {
		fmt.Println(mbx.GetMsgPtr(key))
	}
}

func loadConfig(path string) (*imap.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	cfg := &imap.Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
