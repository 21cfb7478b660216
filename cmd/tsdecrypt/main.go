/*
NAME
  tsdecrypt - command line descrambler for MPEG-TS streams.

DESCRIPTION
  tsdecrypt reads a transport stream from a file, stdin or a UDP socket,
  descrambles the targeted PIDs with the configured control words and writes
  the clear stream to a file or stdout. The control words may be given on
  the command line or kept in a watched key file, in which case the stream
  is re-keyed live whenever the file changes.

AUTHORS
  Saxon A. Nelson-Milton <saxon.milton@gmail.com>
  Trek Hopton <trek@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ausocean/utils/logging"
	"github.com/ausocean/utils/pool"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/avutil/dvb/container/mts"
	"github.com/avutil/dvb/descramble"
)

const version = "v1.0.0"

// Logging configuration.
const (
	logPath      = "/var/log/tsdecrypt/tsdecrypt.log"
	logMaxSize   = 500 // MB
	logMaxBackup = 10
	logMaxAge    = 28 // days
	logSuppress  = true
)

// Input queue configuration. The queue sits between the reader and the
// descrambler and bounds how far the reader may run ahead.
const (
	queueElements    = 4096
	queueWriteRetry  = 5 * time.Millisecond
	queueReadTimeout = 100 * time.Millisecond
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version")
		inPath      = flag.String("in", "-", "input file path, or - for stdin")
		udpAddr     = flag.String("udp", "", "read the stream from this UDP address instead of -in")
		outPath     = flag.String("out", "-", "output file path, or - for stdout")
		evenKey     = flag.String("key", "", "even control word (hex)")
		oddKey      = flag.String("oddkey", "", "odd control word (hex, optional)")
		keyFile     = flag.String("keyfile", "", "file holding the control words (\"even [odd]\"); watched for changes")
		pids        = flag.String("pids", "", "comma separated PIDs to descramble (default: all)")
		single      = flag.Bool("single", false, "descramble packets one at a time instead of batching")
		logVerbose  = flag.Int("loglevel", int(logging.Info), "logging verbosity")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Create lumberjack logger to handle logging to file.
	fileLog := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    logMaxSize,
		MaxBackups: logMaxBackup,
		MaxAge:     logMaxAge,
	}
	log := logging.New(int8(*logVerbose), io.MultiWriter(fileLog, os.Stderr), logSuppress)
	log.Info("starting tsdecrypt", "version", version)

	out := io.WriteCloser(os.Stdout)
	if *outPath != "-" {
		f, err := os.Create(*outPath)
		if err != nil {
			log.Fatal("could not create output file", "error", err.Error())
		}
		out = f
	}

	var format *descramble.FlowFormat
	if !*single {
		format = &descramble.FlowFormat{Def: descramble.ExpectedFlowDef}
	}

	e, err := descramble.New(descramble.Config{
		Logger: log,
		Sink:   &streamSink{w: out, log: log},
		Format: format,
	})
	if err != nil {
		log.Fatal("could not create descrambler", "error", err.Error())
	}

	for _, p := range strings.Split(*pids, ",") {
		if p == "" {
			continue
		}
		pid, err := strconv.ParseUint(p, 10, 13)
		if err != nil {
			log.Fatal("invalid PID", "pid", p, "error", err.Error())
		}
		e.AddPID(uint16(pid))
	}

	switch {
	case *keyFile != "":
		if err := applyKeyFile(e, *keyFile, log); err != nil {
			log.Fatal("could not load key file", "error", err.Error())
		}
		go watchKeyFile(e, *keyFile, log)
	case *evenKey != "":
		if err := e.SetKey(*evenKey, *oddKey); err != nil {
			log.Fatal("could not set key", "error", err.Error())
		}
	default:
		log.Warning("no key configured; stream will pass through unmodified")
	}

	// The reader fills the queue; the main loop drains it into the engine.
	q := pool.NewBuffer(queueElements, mts.PacketSize, 0)
	done := make(chan struct{})
	go read(*inPath, *udpAddr, q, done, log)

	for {
		chunk, err := q.Next(queueReadTimeout)
		if err != nil {
			switch err {
			case pool.ErrTimeout, io.EOF:
				select {
				case <-done:
					e.Close()
					out.Close()
					log.Info("stream finished", "stats", fmt.Sprintf("%+v", e.Stats()))
					return
				default:
					continue
				}
			default:
				log.Error("unexpected queue error", "error", err.Error())
				continue
			}
		}
		// The engine may hold the packet for ordering, so copy out of the
		// pooled chunk before recycling it.
		pkt := append([]byte(nil), chunk.Bytes()...)
		chunk.Close()
		e.Submit(&descramble.Item{Data: pkt})
	}
}

// streamSink writes descrambled packets to the output stream; committed
// flow formats are only logged, there being no out of band channel on a
// raw byte output.
type streamSink struct {
	w   io.Writer
	log logging.Logger
}

func (s *streamSink) Packet(p []byte) error {
	_, err := s.w.Write(p)
	return err
}

func (s *streamSink) Format(f *descramble.FlowFormat) error {
	s.log.Info("flow format committed", "def", f.Def, "latency", f.Latency.String())
	return nil
}

// read feeds TS packets from the configured input into the queue, closing
// done when the input is exhausted.
func read(inPath, udpAddr string, q *pool.Buffer, done chan struct{}, log logging.Logger) {
	defer close(done)

	var src io.Reader
	switch {
	case udpAddr != "":
		addr, err := net.ResolveUDPAddr("udp", udpAddr)
		if err != nil {
			log.Fatal("could not resolve UDP address", "error", err.Error())
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			log.Fatal("could not listen on UDP address", "error", err.Error())
		}
		defer conn.Close()
		src = conn
	case inPath == "-":
		src = os.Stdin
	default:
		f, err := os.Open(inPath)
		if err != nil {
			log.Fatal("could not open input file", "error", err.Error())
		}
		defer f.Close()
		src = f
	}

	pkt := make([]byte, mts.PacketSize)
	for {
		_, err := io.ReadFull(src, pkt)
		switch err {
		case nil:
		case io.EOF:
			return
		case io.ErrUnexpectedEOF:
			log.Warning("input ended with a partial packet")
			return
		default:
			log.Error("could not read packet", "error", err.Error())
			return
		}

		enqueue(q, pkt, log)
	}
}

// enqueue writes one packet into the queue, retrying while the consumer
// catches up; this is where upstream backpressure is applied.
func enqueue(q *pool.Buffer, pkt []byte, log logging.Logger) {
	for {
		_, err := q.Write(pkt)
		if err == nil {
			q.Flush()
			return
		}
		log.Debug("queue full, waiting for descrambler", "error", err.Error())
		time.Sleep(queueWriteRetry)
	}
}

// applyKeyFile reads the control words from path and installs them.
func applyKeyFile(e *descramble.Engine, path string, log logging.Logger) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return fmt.Errorf("key file %s is empty", path)
	}
	odd := ""
	if len(fields) > 1 {
		odd = fields[1]
	}
	if err := e.SetKey(fields[0], odd); err != nil {
		return err
	}
	log.Info("keys loaded", "path", path)
	return nil
}

// watchKeyFile re-keys the engine whenever the key file changes.
func watchKeyFile(e *descramble.Engine, path string, log logging.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error("could not create key file watcher", "error", err.Error())
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		log.Error("could not watch key file", "error", err.Error())
		return
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := applyKeyFile(e, path, log); err != nil {
				log.Error("could not apply changed key file", "error", err.Error())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error("key file watcher error", "error", err.Error())
		}
	}
}
