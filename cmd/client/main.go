package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/astromechza/schalter/pkg/protocol"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address to connect to")
	nameVar := flag.String("name", "", "the user name to join as")
	itemVar := flag.String("item", "", "an item to set after joining")
	delayVar := flag.Int64("delay", 0, "milliseconds until the item set by -item expires, 0 for never")
	releaseVar := flag.Bool("release", false, "clear the owner of -item instead of claiming it")
	flag.Parse()
	if *nameVar == "" {
		return fmt.Errorf("-name is required")
	}

	u := url.URL{Scheme: "ws", Host: *addrVar, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, protocol.EncodeJoin(*nameVar)); err != nil {
		return fmt.Errorf("failed to join: %w", err)
	}
	if *itemVar != "" {
		req := protocol.SetRequest{Item: *itemVar, Name: *nameVar, Expiry: *delayVar}
		if *releaseVar {
			req.Name = ""
			req.Expiry = 0
		}
		if err := conn.WriteMessage(websocket.TextMessage, protocol.EncodeSetRequest(req)); err != nil {
			return fmt.Errorf("failed to set: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			if err := readAndLogMessage(conn); err != nil {
				if ctx.Err() == nil {
					slog.Error(err.Error())
				}
				return
			}
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	wg.Wait()
	return nil
}

func readAndLogMessage(conn *websocket.Conn) error {
	var frame protocol.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	switch frame.MsgType {
	case protocol.TypeAllItems:
		var toggles []protocol.Toggle
		if err := json.Unmarshal(frame.Data, &toggles); err != nil {
			return fmt.Errorf("failed to decode snapshot: %w", err)
		}
		for _, t := range toggles {
			slog.Info("item", "item", t.Item, "name", t.Name, "expiry", t.Expiry)
		}
	case protocol.TypeSet:
		var t protocol.Toggle
		if err := json.Unmarshal(frame.Data, &t); err != nil {
			return fmt.Errorf("failed to decode set: %w", err)
		}
		slog.Info("set", "item", t.Item, "name", t.Name, "expiry", t.Expiry)
	case protocol.TypeBeingSet:
		var item string
		if err := json.Unmarshal(frame.Data, &item); err != nil {
			return fmt.Errorf("failed to decode beingSet: %w", err)
		}
		slog.Info("being set", "item", item)
	default:
		slog.Warn("unknown message", "type", frame.MsgType)
	}
	return nil
}
