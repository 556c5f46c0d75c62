package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core/readmodel"
	"github.com/uhyunpark/tokenbook/pkg/client"
	"github.com/uhyunpark/tokenbook/pkg/util"
)

func main() {
	if err := NewCLI().root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// CLI is the Cobra-based command-line interface.
type CLI struct {
	root *cobra.Command
}

func NewCLI() *CLI {
	cli := &CLI{}
	var (
		node    string
		account string
		watch   bool
		verbose bool
	)
	cli.root = &cobra.Command{
		Use:           "book",
		Short:         "Replay a node's event log and print the order book and trades",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var holder *common.Address
			if account != "" {
				if !common.IsHexAddress(account) {
					return fmt.Errorf("--account: %q is not an address", account)
				}
				a := common.HexToAddress(account)
				holder = &a
			}
			logger := zap.NewNop().Sugar()
			if verbose {
				l, err := util.NewLogger("debug")
				if err != nil {
					return err
				}
				logger = l.Sugar()
			}

			m := readmodel.NewMaterializer(client.New(node), readmodel.DefaultConfig())
			m.Logger = logger
			if !watch {
				if err := m.Refresh(cmd.Context()); err != nil {
					return err
				}
				render(cmd.OutOrStdout(), m.View(), holder)
				return nil
			}
			return follow(cmd.Context(), cmd.OutOrStdout(), node, m, holder, logger)
		},
	}
	f := cli.root.Flags()
	f.StringVarP(&node, "node", "n", "http://localhost:8080", "Node API base URL")
	f.StringVarP(&account, "account", "a", "", "Also print this account's open and filled orders")
	f.BoolVarP(&watch, "watch", "w", false, "Keep following the node and reprint on every new head")
	f.BoolVarP(&verbose, "verbose", "v", false, "Log materializer activity to stdout")
	return cli
}

// follow keeps m current from head notifications and reprints whenever the
// view moves, until interrupted.
func follow(ctx context.Context, out io.Writer, node string, m *readmodel.Materializer, holder *common.Address, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier := client.NewHeadNotifier(node)
	notifier.Logger = logger
	m.WakeOn(notifier.Heads())
	go notifier.Run(ctx)
	go m.Run(ctx)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var printed *readmodel.View
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if v := m.View(); v != printed && v.Seq > 0 {
				render(out, v, holder)
				printed = v
			}
		}
	}
}

func render(out io.Writer, v *readmodel.View, holder *common.Address) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "== log seq %d  hash %s\n\n", v.Seq, v.Hash.Hex())

	book := v.OrderBook()
	fmt.Fprintln(w, "SIDE\tID\tPRICE\tTOKENS\tNATIVE\tMAKER")
	for _, side := range [][]readmodel.BookEntry{book.Sell, book.Buy} {
		for _, e := range side {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", e.Side, e.ID, e.TokenPrice, e.TokenAmount, e.NativeAmount, short(e.Maker))
		}
	}

	fmt.Fprintln(w, "\nTIME\tID\tPRICE\tTOKENS\tTREND\tTAKER")
	for _, t := range v.DecoratedFilledOrders() {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", t.FormattedTimestamp, t.ID, t.TokenPrice, t.TokenAmount, t.Trend, short(t.Taker))
	}

	if holder == nil {
		return
	}
	fmt.Fprintf(w, "\nOPEN (%s)\tID\tPRICE\tTOKENS\n", short(*holder))
	for _, o := range v.MyOpenOrders(*holder) {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", o.Side, o.ID, o.TokenPrice, o.TokenAmount)
	}
	fmt.Fprintf(w, "\nFILLED (%s)\tID\tPRICE\tTOKENS\n", short(*holder))
	for _, o := range v.MyFilledOrders(*holder) {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s%s\n", o.Side, o.ID, o.TokenPrice, o.Sign, o.TokenAmount)
	}
}

func short(a common.Address) string {
	h := a.Hex()
	return h[:6] + ".." + h[len(h)-4:]
}
