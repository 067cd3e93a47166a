package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/relay/client"
	"github.com/luma/relay/internal/env"
	"github.com/luma/relay/protocol"
)

var (
	// Print replies as JSON rather than the way redis-cli does
	asJSON bool
)

func init() {
	ExecCmd.Flags().BoolVar(&asJSON, "json", false, "Print the reply as JSON")
}

var ExecCmd = &cobra.Command{
	Use:   "exec COMMAND [ARG...]",
	Short: "Run a single command",
	Long: `Run a single command against the configured server and print the reply

Usage
	relay exec SET greeting hello
	relay exec --json MGET greeting missing

`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer signalStop()

		pool, log, err := openPool(ctx)
		if err != nil {
			return err
		}

		defer func() {
			err = multierr.Append(err, pool.Close())
			_ = log.Sync()
		}()

		cmdArgs := make([]interface{}, len(args)-1)
		for i, arg := range args[1:] {
			cmdArgs[i] = arg
		}

		reply, err := pool.Exec(ctx, args[0], cmdArgs...)
		if err != nil {
			return err
		}

		if !asJSON {
			fmt.Fprintln(cmd.OutOrStdout(), reply.String())
			return nil
		}

		doc, err := replyJSON(reply)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(doc))
		return nil
	},
}

// openPool builds a pool from the environment and waits for one of its
// connections to be usable.
func openPool(ctx context.Context) (*client.Pool, *zap.Logger, error) {
	conf, err := env.LoadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	log, err := env.MakeLogger(conf.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	pool := client.NewPool(conf.ClientOptions(log.Named("client")))

	connectCtx, cancel := context.WithTimeout(ctx, conf.DialTimeout)
	defer cancel()

	if _, err := pool.Acquire(connectCtx); err != nil {
		return nil, nil, multierr.Append(err, pool.Close())
	}

	return pool, log, nil
}

// replyJSON renders a reply as a JSON document of the shape
// {"kind": "...", "value": ...}.
func replyJSON(reply protocol.Reply) ([]byte, error) {
	return setReply([]byte("{}"), "", reply)
}

func setReply(doc []byte, path string, reply protocol.Reply) ([]byte, error) {
	var err error

	if doc, err = sjson.SetBytes(doc, join(path, "kind"), reply.Kind.String()); err != nil {
		return nil, err
	}

	value := join(path, "value")

	switch {
	case reply.Null:
		return sjson.SetBytes(doc, value, nil)

	case reply.Kind == protocol.KindInteger:
		return sjson.SetBytes(doc, value, reply.Int)

	case reply.Kind == protocol.KindArray:
		if doc, err = sjson.SetRawBytes(doc, value, []byte("[]")); err != nil {
			return nil, err
		}

		for i, elem := range reply.Elems {
			if doc, err = setReply(doc, join(value, strconv.Itoa(i)), elem); err != nil {
				return nil, err
			}
		}

		return doc, nil

	default:
		return sjson.SetBytes(doc, value, string(reply.Str))
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}

	return path + "." + key
}
