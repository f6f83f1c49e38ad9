// The mboxer command ingests a directory of mbox archives into a
// SQLite database, grouping messages into conversation threads and
// storing attachments on disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/sgrimes/mboxer/internal/attach"
	"github.com/sgrimes/mboxer/internal/config"
	"github.com/sgrimes/mboxer/internal/homedir"
	"github.com/sgrimes/mboxer/internal/ingest"
	"github.com/sgrimes/mboxer/internal/ocr"
	"github.com/sgrimes/mboxer/internal/parse"
	"github.com/sgrimes/mboxer/internal/persist"
	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagConfig    = flag.String("config", "", "path to the TOML config file")
	flagDir       = flag.String("d", "", "mailbox directory, overriding the config")
	flagBatchSize = flag.Int("batch-size", 0, "messages per storage batch, overriding the config")
	flagDryRun    = flag.Bool("dry-run", false, "parse and count but write nothing")
	flagNoThreads = flag.Bool("no-threads", false, "skip conversation thread grouping")
	flagBackup    = flag.Bool("backup", false, "copy the database aside before ingesting")
	flagOCR       = flag.Bool("ocr", false, "extract text from stored attachments after ingesting")
)

func run(ctx context.Context) error {
	cfgPath := *flagConfig
	if cfgPath == "" {
		cfgPath = filepath.Join(homedir.Get(), ".mboxer.toml")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return errors.Wrap(err, "unable to load configuration")
	}
	if *flagDir != "" {
		cfg.MboxDir = *flagDir
	}
	if *flagBatchSize > 0 {
		cfg.BatchSize = *flagBatchSize
	}

	closeLog, err := setupLogging(cfg.LogFile)
	if err != nil {
		log.Printf("logging to %s unavailable: %v", cfg.LogFile, err)
	} else {
		defer closeLog()
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Printf("unknown timezone %q, using UTC: %v", cfg.Timezone, err)
		loc = time.UTC
	}

	if *flagBackup && !*flagDryRun {
		if err := backupDatabase(cfg.Database); err != nil {
			return errors.Wrap(err, "unable to back up database")
		}
	}

	db, err := persist.Open(ctx, cfg.Database)
	if err != nil {
		return errors.Wrap(err, "unable to initialize database")
	}
	defer db.Close()

	store, err := attach.New(cfg.AttachmentDir)
	if err != nil {
		return errors.Wrap(err, "unable to initialize attachment store")
	}

	cachePath := cfg.Database + ".files.json"
	cache := ingest.LoadFileCache(cachePath)

	in := ingest.New(db, parse.New(cfg.Keywords, loc), store, ingest.Options{
		BatchSize:        cfg.BatchSize,
		DryRun:           *flagDryRun,
		Threading:        !*flagNoThreads,
		MaxMemoryPercent: cfg.MaxMemoryPercent,
		FileCache:        cache,
	})

	metrics, err := in.ProcessDirectory(ctx, cfg.MboxDir)
	if err != nil {
		return errors.Wrap(err, "ingestion failed")
	}

	if !*flagDryRun {
		if err := ingest.SaveFileCache(cachePath, cache); err != nil {
			log.Printf("file cache not saved: %v", err)
		}
	}

	printSummary(metrics)

	if *flagOCR && !*flagDryRun {
		updated, err := ocr.Run(ctx, ocr.NewTesseract(cfg.OCRBinary), db)
		if err != nil {
			return errors.Wrap(err, "attachment text extraction failed")
		}
		fmt.Printf("Attachments with recovered text: %d\n", updated)
	}
	return nil
}

// setupLogging tees the run log to a file alongside stderr.
func setupLogging(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() {
		log.SetOutput(os.Stderr)
		f.Close()
	}, nil
}

// backupDatabase copies the database file aside with a timestamped
// name.  A database that does not exist yet needs no backup.
func backupDatabase(path string) error {
	src, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer src.Close()

	backup := fmt.Sprintf("%s.%d.bak", path, time.Now().Unix())
	dst, err := os.OpenFile(backup, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	log.Printf("database backed up to %s", backup)
	return nil
}

func printSummary(m *ingest.Metrics) {
	fmt.Printf("Files processed:    %d\n", m.FilesProcessed)
	fmt.Printf("Files skipped:      %d\n", m.FilesSkipped)
	fmt.Printf("File failures:      %d\n", m.FileFailures)
	fmt.Printf("Messages processed: %d\n", m.MessagesProcessed)
	fmt.Printf("Parse failures:     %d\n", m.ParseFailures)
	fmt.Printf("Storage failures:   %d\n", m.StorageFailures)
	fmt.Printf("Threads:            %d\n", m.Threads.ThreadCount)
	fmt.Printf("Messages grouped:   %d\n", m.Threads.EmailsGrouped)
	fmt.Printf("Elapsed:            %s\n", m.Elapsed.Round(time.Millisecond))
	if secs := m.Elapsed.Seconds(); secs > 0 {
		fmt.Printf("Messages/second:    %.1f\n", float64(m.MessagesProcessed)/secs)
	}
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
	fmt.Print("Success!\n")
	os.Exit(0)
}
