package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ece-arena/arena-sync/internal/application"
	"github.com/ece-arena/arena-sync/internal/arena"
	apperrors "github.com/ece-arena/arena-sync/internal/errors"
	"github.com/ece-arena/arena-sync/internal/logger"
)

// printer writes one JSON document per update to stdout.
type printer struct{ enc *json.Encoder }

func newPrinter() *printer { return &printer{enc: json.NewEncoder(os.Stdout)} }

func (p *printer) print(v any) {
	if err := p.enc.Encode(v); err != nil {
		apperrors.Log(logger.New("watch"), "Failed to print update", err)
	}
}

// runWatch connects a node, starts the watcher and blocks until the
// command's context ends. A failed first dial is retried in the background.
func runWatch(cmd *cobra.Command, start func(*application.Node) (func(), error)) error {
	ctx := logger.WithFields(cmd.Context(), zap.String("command", cmd.CommandPath()))
	cmd.SetContext(ctx)
	log := logger.For(ctx, logger.New("watch"))
	node, err := newNode(cmd)
	if err != nil {
		return err
	}
	defer node.Shutdown()

	if err := node.Transport().Connect(ctx); err != nil {
		apperrors.Log(log, "Initial connection failed, retrying in background", err)
	}
	stop, err := start(node)
	if err != nil {
		return err
	}
	defer stop()

	<-ctx.Done()
	return nil
}

func newWatchCmd() *cobra.Command {
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live views as JSON lines",
	}

	watchCmd.AddCommand(&cobra.Command{
		Use:   "battle <battle-id>",
		Short: "Stream a battle's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter()
			return runWatch(cmd, func(n *application.Node) (func(), error) {
				return n.Client().WatchBattle(cmd.Context(), args[0], func(b arena.Battle) { p.print(b) })
			})
		},
	}, &cobra.Command{
		Use:     "market",
		Aliases: []string{"marketplace"},
		Short:   "Stream auctions and bets",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter()
			return runWatch(cmd, func(n *application.Node) (func(), error) {
				return n.Client().WatchMarketplace(func(m arena.MarketState) { p.print(m) })
			})
		},
	}, &cobra.Command{
		Use:   "chat <battle-id>",
		Short: "Stream a battle's chat in timestamp order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter()
			return runWatch(cmd, func(n *application.Node) (func(), error) {
				return n.Client().WatchChat(args[0], func(msgs []arena.ChatMessage) { p.print(msgs) })
			})
		},
	})

	return watchCmd
}
