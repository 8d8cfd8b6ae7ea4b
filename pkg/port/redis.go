package port

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nobletooth/imgcache/pkg/imagecache"
	"github.com/nobletooth/imgcache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidwall/redcon"
)

const RedisOk = "OK"

var address = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")

var commandsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redis_commands_total",
	Help: "Total number of Redis protocol commands handled.",
}, []string{"command", "status" /* ok | error */})

// ImageStore is the image cache served over the Redis protocol.
type ImageStore interface {
	SaveImage(ctx context.Context, key string, data []byte, width, height int, timestamp int64)
	LoadImage(ctx context.Context, key string, timestamp int64) (imagecache.Image, bool)
	RemoveImage(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Size(ctx context.Context) (int64, error)
	Close() error
}

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string // Upper case.
	args    [][]byte
}

type outputKind uint8

const (
	outputString outputKind = iota // Simple string.
	outputBulk
	outputInt
	outputNil
	outputError
	outputArray
)

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	kind            outputKind
	closeConnection bool // Closes the connection after writing if true.
	str             string
	bulk            []byte
	integer         int64
	array           []redisOutput
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{kind: outputString, str: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{kind: outputNil}
}

func writeRedisInt(i int64) redisOutput {
	return redisOutput{kind: outputInt, integer: i}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{kind: outputString, str: s}
}

func writeRedisBulk(b []byte) redisOutput {
	return redisOutput{kind: outputBulk, bulk: b}
}

func writeRedisArray(items ...redisOutput) redisOutput {
	return redisOutput{kind: outputArray, array: items}
}

func writeRedisError(err error) redisOutput {
	return redisOutput{kind: outputError, str: "ERR " + err.Error()}
}

func wrongArity(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command)))
}

// write sends `output` through `conn`.
func (o redisOutput) write(conn redcon.Conn) {
	switch o.kind {
	case outputString:
		conn.WriteString(o.str)
	case outputBulk:
		conn.WriteBulk(o.bulk)
	case outputInt:
		conn.WriteInt64(o.integer)
	case outputNil:
		conn.WriteNull()
	case outputError:
		conn.WriteError(o.str)
	case outputArray:
		conn.WriteArray(len(o.array))
		for _, item := range o.array {
			item.write(conn)
		}
	}
}

type redisHandler struct {
	store ImageStore
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(store ImageStore) (*redisHandler, error) {
	if store == nil {
		return nil, errors.New("expected a non-nil image store")
	}
	return &redisHandler{store: store}, nil
}

func parseInt(name string, arg []byte) (int64, error) {
	value, err := strconv.ParseInt(string(arg), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s is not an integer or out of range", name)
	}
	return value, nil
}

func (rh *redisHandler) handle(ctx context.Context, cmd redisCommand) redisOutput {
	switch cmd.command {
	case "PING":
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "IMG.KEY":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		var descriptor imagecache.Descriptor
		if err := json.Unmarshal(cmd.args[0], &descriptor); err != nil {
			return writeRedisError(fmt.Errorf("invalid descriptor: %w", err))
		}
		key, ok := imagecache.CreateKey(descriptor)
		if !ok {
			return writeRedisNil()
		}
		return writeRedisBulk([]byte(key))
	case "IMG.GET":
		if len(cmd.args) != 2 {
			return wrongArity(cmd.command)
		}
		timestamp, err := parseInt("timestamp", cmd.args[1])
		if err != nil {
			return writeRedisError(err)
		}
		image, hit := rh.store.LoadImage(ctx, string(cmd.args[0]), timestamp)
		if !hit {
			return writeRedisNil()
		}
		return writeRedisArray(
			writeRedisBulk(image.Data), writeRedisInt(int64(image.Width)), writeRedisInt(int64(image.Height)))
	case "IMG.SET":
		if len(cmd.args) != 5 {
			return wrongArity(cmd.command)
		}
		timestamp, err := parseInt("timestamp", cmd.args[1])
		if err != nil {
			return writeRedisError(err)
		}
		width, err := parseInt("width", cmd.args[2])
		if err != nil {
			return writeRedisError(err)
		}
		height, err := parseInt("height", cmd.args[3])
		if err != nil {
			return writeRedisError(err)
		}
		// redcon reuses argument buffers across commands.
		data := append([]byte(nil), cmd.args[4]...)
		rh.store.SaveImage(ctx, string(cmd.args[0]), data, int(width), int(height), timestamp)
		return writeRedisString(RedisOk)
	case "IMG.DEL":
		if len(cmd.args) < 1 {
			return wrongArity(cmd.command)
		}
		var deletedCount int64
		for _, key := range cmd.args {
			if err := rh.store.RemoveImage(ctx, string(key)); err == nil {
				deletedCount++
			}
		}
		return writeRedisInt(deletedCount)
	case "IMG.KEYS":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		keys, err := rh.store.Keys(ctx, string(cmd.args[0]))
		if err != nil {
			return writeRedisError(err)
		}
		items := make([]redisOutput, 0, len(keys))
		for _, key := range keys {
			items = append(items, writeRedisBulk([]byte(key)))
		}
		return writeRedisArray(items...)
	case "IMG.SIZE":
		if len(cmd.args) != 0 {
			return wrongArity(cmd.command)
		}
		size, err := rh.store.Size(ctx)
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInt(size)
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", strings.ToLower(cmd.command)))
	}
}

// knownCommands bounds the label values of commandsMetric.
var knownCommands = map[string]bool{
	"PING": true, "QUIT": true, "IMG.KEY": true, "IMG.GET": true, "IMG.SET": true, "IMG.DEL": true,
	"IMG.KEYS": true, "IMG.SIZE": true,
}

// serve handles one redcon command.
func (rh *redisHandler) serve(ctx context.Context, conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		utils.RaiseInvariant("port", "empty_command", "Received a command with no arguments.",
			"remote", conn.RemoteAddr())
		writeRedisError(errors.New("empty command")).write(conn)
		return
	}
	// Convert redcon.Command to redisCommand.
	command := redisCommand{command: strings.ToUpper(string(cmd.Args[0])), args: cmd.Args[1:]}
	output := rh.handle(ctx, command)

	label, status := command.command, "ok"
	if !knownCommands[label] {
		label = "unknown"
	}
	if output.kind == outputError {
		status = "error"
	}
	commandsMetric.WithLabelValues(label, status).Inc()

	output.write(conn)
	if output.closeConnection {
		if err := conn.Close(); err != nil {
			slog.Error("Failed to close connection.", "remote", conn.RemoteAddr(), "err", err)
		}
	}
}

// RunRedisServer starts a Redis protocol server over `store` and blocks until `ctx` is done. The store is
// closed on the way out.
func RunRedisServer(ctx context.Context, store ImageStore) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}

	redisHandler, err := newRedisHandler(store)
	if err != nil {
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	redisServer := redcon.NewServerNetwork("tcp" /*net*/, *address,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			redisHandler.serve(ctx, conn, cmd)
		},
		/*accept*/ func(conn redcon.Conn) bool {
			slog.Debug("Accepted connection.", "remote", conn.RemoteAddr())
			return true // Accept all connections.
		},
		/*close*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Connection closed with an error.", "remote", conn.RemoteAddr(), "err", err)
			}
		})

	serverErrSignal := make(chan error, 1)
	go func() {
		if err := redisServer.ListenAndServe(); err != nil {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()
	slog.Info("Serving Redis protocol.", "address", *address)

	select {
	case <-ctx.Done():
		serverErr := redisServer.Close()
		storeErr := store.Close()
		if exitErr := errors.Join(serverErr, storeErr); exitErr != nil {
			return fmt.Errorf("failed to close imgcache: %w", exitErr)
		}
	case err := <-serverErrSignal:
		_ = store.Close()
		if err == nil {
			return errors.New("redis server stopped unexpectedly")
		}
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}

	return nil // Exited with no errors.
}
