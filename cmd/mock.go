package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/relay/internal/env"
	"github.com/luma/relay/internal/scripts"
	"github.com/luma/relay/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string

	// The port to listen for redis clients on
	port int

	// The number of SO_REUSEPORT listeners
	listeners int

	// Password required through AUTH
	mockPassword string

	// Split every reply into writes of this many bytes
	chunkSize int

	// Log every request and reply
	trace bool
)

func init() {
	flags := MockCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 6379, "The port to listen client connections on")
	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen to HTTP requests on, empty disables it")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
	flags.IntVar(&listeners, "listeners", 1, "The number of listeners sharing the port")
	flags.StringVar(&mockPassword, "password", "", "Require AUTH with this password")
	flags.IntVar(&chunkSize, "chunk-size", 0, "Split replies into writes of at most this many bytes")
	flags.BoolVar(&trace, "trace", false, "Log every request and reply")
}

var MockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Start up a mock Redis server",
	Long: `Start up a mock Redis server

It speaks enough RESP for the relay client: strings, counters, expiry,
SELECT, AUTH, the client's scripts and a few server commands. A debug
HTTP surface serves /ping, /stats and /backup.

Usage
	relay mock --port 6380

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf.LogLevel)
		if err != nil {
			return err
		}

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		server := transport.NewServer(transport.Options{
			Host:           host,
			Port:           port,
			Reuseport:      true,
			NumListeners:   listeners,
			Password:       mockPassword,
			WriteChunkSize: chunkSize,
			Trace:          trace,
			Scripts:        scripts.Builtin(),
			Log:            log.Named("transport"),
		})

		if err := server.Start(ctx); err != nil {
			return err
		}

		var s *http.Server
		if httpPort != "" {
			s = &http.Server{
				Addr:    net.JoinHostPort(host, httpPort),
				Handler: setupRouter(server, conf.DebugHTTP, log),
			}

			// Initializing the server in a goroutine so that
			// it won't block the graceful shutdown handling below
			go func() {
				if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Http server errored", zap.Error(err))
				}
			}()
		}

		log.Info("Listening",
			zap.String("addr", server.Addr()),
			zap.Int("listeners", listeners),
			zap.String("httpPort", httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		if s != nil {
			// The context is used to inform the server it has 5 seconds to finish
			// the request it is currently handling
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			s.SetKeepAlivesEnabled(false)

			if err := s.Shutdown(ctx); err != nil {
				log.Error("Http server forced to shutdown", zap.Error(err))
			}
		}

		if err := server.Close(); err != nil {
			log.Error("Mock server forced to shutdown", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

func setupRouter(server *transport.Server, debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Logs all requests, like a combined access and error log, in RFC3339
	// UTC time.
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, server.Stats())
	})

	// Snapshot of a database, e.g. /backup?db=2
	r.GET("/backup", func(c *gin.Context) {
		db, err := strconv.Atoi(c.DefaultQuery("db", "0"))
		if err != nil || db < 0 || db >= server.Databases() {
			c.String(http.StatusBadRequest, "invalid db")
			return
		}

		snapshot, err := server.Store(db).Backup()
		if err != nil {
			c.String(http.StatusInternalServerError, err.Error())
			return
		}

		c.Data(http.StatusOK, "application/json", snapshot)
	})

	r.POST("/drop", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"dropped": server.DropConnections()})
	})

	return r
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
