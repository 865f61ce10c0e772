// Command cdn-log-anonymizer anonymizes CDN access log archives in
// place of direct personal identifiers, replacing them with stable,
// per-column pseudonym tokens.
//
// Usage:
//
//	cdn-log-anonymizer [flags] logfile cachename popname
package main

import (
	"flag"
	"fmt"
	"os"

	"cdn-log-anonymizer/internal/app"
	"cdn-log-anonymizer/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(rawArgs []string) int {
	fs := flag.NewFlagSet("cdn-log-anonymizer", flag.ContinueOnError)

	configFile := fs.String("config", "", "path to the YAML application config")
	secretsFile := fs.String("configfile", "", "path to the INI [secrets] file (timeshiftdays, xyte)")

	nproc := fs.Int("nproc", 0, "worker process count (0 = use config/default)")
	cacheSize := fs.Int("cachesize", 0, "per-worker enrichment cache size (0 = use config/default)")
	maxLines := fs.Int("maxlines", 0, "stop after at least this many lines (-1 = unlimited)")
	chunkSize := fs.Int("chunksize", 0, "approximate lines per batch (0 = use config/default)")
	queueLen := fs.Int("queuelen", 0, "bounded queue depth between reader and workers (0 = use config/default)")

	encoding := fs.String("encoding", "", "source file text encoding")
	delimiter := fs.String("delimiter", "", "CSV field delimiter")
	quoteChar := fs.String("quotechar", "", "CSV quote character")
	naValues := fs.String("navalues", "", "string representing a null cell")
	escapeChar := fs.String("escapechar", "", "CSV escape character")

	if err := fs.Parse(rawArgs); err != nil {
		return 2
	}

	if fs.NArg() != 3 {
		fmt.Fprintln(os.Stderr, "usage: cdn-log-anonymizer [flags] logfile cachename popname")
		return 2
	}

	args := config.CLIArgs{
		ConfigFile:  *configFile,
		SecretsFile: *secretsFile,
		LogFile:     fs.Arg(0),
		CacheName:   fs.Arg(1),
		PopName:     fs.Arg(2),

		NProc:     *nproc,
		CacheSize: *cacheSize,
		ChunkSize: *chunkSize,
		QueueLen:  *queueLen,

		Encoding:   *encoding,
		Delimiter:  *delimiter,
		QuoteChar:  *quoteChar,
		NAValues:   *naValues,
		EscapeChar: *escapeChar,
	}

	// --maxlines is only applied as an override when the caller actually
	// passed it: 0 is a meaningless cap and -1 (unlimited) is the common
	// explicit value, so only flag.Visit can tell "unset" from "set to 0".
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "maxlines" {
			args.MaxLines = maxLines
		}
	})

	a, err := app.New(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cdn-log-anonymizer: %v\n", err)
		return 1
	}

	if err := a.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "cdn-log-anonymizer: %v\n", err)
		return 1
	}
	return 0
}
