package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	recordcache "github.com/record-cache/record-cache"
	"github.com/record-cache/record-cache/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "record-cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var config Config
	if configFilenameFlag != "" {
		var err error
		if config, err = getConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
	}

	// flags override config file values
	port := portFlag
	if config.Port > 0 && portFlag == 8080 {
		port = config.Port
	}
	origin := config.Origin
	if originFlag != "" {
		origin = originFlag
	}
	host := config.Host
	if hostFlag != "" {
		host = hostFlag
	}
	dbFilename := dbFilenameFlag
	if config.DBFile != "" && dbFilenameFlag == "record-cache.db" {
		dbFilename = config.DBFile
	}
	if dbFilename == "memory" {
		dbFilename = "file::memory:?cache=shared"
	}

	cacheConfig := recordcache.Config{
		Cache:            cache.NewSQLiteCache(dbFilename),
		Store:            cache.NewSQLiteSectionStore(dbFilename),
		Logger:           &log.Logger,
		SettleDelay:      config.Recording.settleDelay(),
		ConfirmTimeout:   config.Recording.confirmTimeout(),
		MaxRecordedBytes: config.Recording.MaxRecordedBytes,
	}

	// get the downstream server address
	if origin != "" {
		originUrl, err := url.Parse(origin)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse url")
		}
		cacheConfig.OriginURL = *originUrl
	} else if addrFlag != "" {
		originUrl, err := url.Parse("https://" + addrFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse url")
		}
		cacheConfig.OriginURL = *originUrl
		cacheConfig.OriginHost = host
	} else {
		log.Fatal().Msg("Please specify origin")
	}

	rcache := recordcache.New(cacheConfig)
	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", port, cacheConfig.OriginURL.String(), cacheConfig.OriginHost)
	err := http.ListenAndServe(fmt.Sprintf(":%d", port), rcache)

	if err != nil {
		panic(err)
	}
}
