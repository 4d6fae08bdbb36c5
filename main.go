package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatwire/config"
	"chatwire/db"
	"chatwire/server"

	"golang.org/x/sync/errgroup"
)

var errShutdownRequested = errors.New("shutdown requested")

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg := config.Load()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	srv := server.New(database, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	reason := make(chan string, 1)

	g.Go(srv.Start)

	if cfg.ControlSocket != "" {
		g.Go(func() error {
			return runControlSocket(ctx, srv, cfg.ControlSocket, reason)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		r := "maintenance"
		select {
		case r = <-reason:
		default:
			log.Printf("Shutting down...")
		}
		srv.Shutdown(r)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdownRequested) {
		log.Printf("Server stopped: %v", err)
		database.Close()
		os.Exit(1)
	}
}

// runControlSocket serves management commands until ctx is done. A shutdown
// command ends it with errShutdownRequested.
func runControlSocket(ctx context.Context, srv *server.Server, path string, reason chan<- string) error {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Printf("Failed to create control socket: %v", err)
		return nil
	}
	defer os.Remove(path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Printf("Control socket listening on %s", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}

		if r, shutdown := handleControlCommand(srv, conn); shutdown {
			reason <- r
			return errShutdownRequested
		}
	}
}

// handleControlCommand answers one command. Format: command|argument
func handleControlCommand(srv *server.Server, conn net.Conn) (string, bool) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", false
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.Stats() + "\n"))
	case "shutdown":
		reason := "maintenance"
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}
		conn.Write([]byte("OK|Shutting down\n"))
		log.Printf("Shutdown requested: reason=%s", reason)
		return reason, true
	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
	return "", false
}
