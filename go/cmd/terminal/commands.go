package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/session"
	"github.com/mcdev12/cuehall/go/internal/terminal"
)

const help = `commands:
  tables                              list tables with live totals
  start <table> [mode]                start a session (hourly, per_minute, per_frame)
  pause <table> | resume <table>
  frame+ <table> | frame- <table>
  player+ <table> <name> | player- <table> <name>
  mode <table> <mode>
  item+ <table> <item_id> <price> [qty] [name...]
  item- <table> <item_id>
  end <table> [winner|draw]           show the bill
  cancel <table>                      keep playing after end
  pay <table> <method> <received_by> [amount]
  health | retry | sync | reconnect
  quit`

var errUsage = errors.New("bad arguments, type help")

// runCommands reads one command per line from in until EOF, quit or ctx is done.
func runCommands(ctx context.Context, term *terminal.Terminal, in io.Reader, out io.Writer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if fields[0] == "quit" || fields[0] == "exit" {
				return
			}
			if err := execute(ctx, term, fields, out); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func execute(ctx context.Context, term *terminal.Terminal, f []string, out io.Writer) error {
	arg := func(i int) string {
		if i < len(f) {
			return f[i]
		}
		return ""
	}
	table := arg(1)

	var (
		s   models.TableSession
		err error
	)
	switch f[0] {
	case "help":
		fmt.Fprintln(out, help)
		return nil
	case "tables":
		for _, v := range term.Tables() {
			printView(out, v)
		}
		return nil
	case "health":
		return printJSON(out, term.Health())
	case "retry":
		return term.Retry(ctx)
	case "sync":
		return term.SyncNow(ctx)
	case "reconnect":
		term.ReconnectRealtime()
		return nil
	}

	if table == "" {
		return errUsage
	}

	switch f[0] {
	case "start":
		s, err = term.OnStart(ctx, table, models.BillingMode(arg(2)))
	case "pause":
		s, err = term.OnPause(ctx, table)
	case "resume":
		s, err = term.OnResume(ctx, table)
	case "frame+":
		s, err = term.OnAddFrame(ctx, table)
	case "frame-":
		s, err = term.OnRemoveFrame(ctx, table)
	case "player+", "player-":
		name := strings.Join(f[2:], " ")
		if name == "" {
			return errUsage
		}
		if f[0] == "player+" {
			s, err = term.OnAddPlayer(ctx, table, name)
		} else {
			s, err = term.OnRemovePlayer(ctx, table, name)
		}
	case "mode":
		s, err = term.OnSetBillingMode(ctx, table, models.BillingMode(arg(2)))
	case "item+":
		var item models.OrderItem
		if item, err = parseItem(f[2:]); err != nil {
			return err
		}
		s, err = term.OnAddOrderItem(ctx, table, item)
	case "item-":
		if arg(2) == "" {
			return errUsage
		}
		s, err = term.OnRemoveOrderItem(ctx, table, arg(2))
	case "end":
		return endSession(ctx, term, table, arg(2), out)
	case "cancel":
		term.CancelCheckout(table)
		return nil
	case "pay":
		return pay(ctx, term, f[1:], out)
	default:
		return fmt.Errorf("unknown command %q, type help", f[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "table %d %s players=%v frames=%d\n", s.TableNumber, s.Status, s.Players, s.FrameCount)
	return nil
}

func parseItem(args []string) (models.OrderItem, error) {
	if len(args) < 2 {
		return models.OrderItem{}, errUsage
	}
	price, err := decimal.NewFromString(args[1])
	if err != nil {
		return models.OrderItem{}, fmt.Errorf("invalid price %q: %w", args[1], err)
	}
	item := models.OrderItem{ItemID: args[0], Name: args[0], UnitPrice: price, Quantity: 1}
	if len(args) > 2 {
		qty, err := strconv.Atoi(args[2])
		if err != nil {
			return models.OrderItem{}, fmt.Errorf("invalid quantity %q: %w", args[2], err)
		}
		item.Quantity = qty
	}
	if len(args) > 3 {
		item.Name = strings.Join(args[3:], " ")
	}
	return item, nil
}

// endSession declares the winner against the seated players, or a draw.
func endSession(ctx context.Context, term *terminal.Terminal, table, winner string, out io.Writer) error {
	req := session.EndRequest{}
	if winner == "" || winner == "draw" {
		req.NoWinner = true
	} else {
		view, err := term.Table(table)
		if err != nil {
			return err
		}
		req.Results = make(map[string]models.MatchResult, len(view.Session.Players))
		for _, p := range view.Session.Players {
			req.Results[p] = models.MatchResultLoss
		}
		req.Results[winner] = models.MatchResultWin
	}

	summary, err := term.OnEndSession(ctx, table, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s elapsed=%s frames=%d table=%s items=%s total=%s\n",
		summary.Mode, summary.Elapsed.Round(time.Second), summary.Frames,
		summary.TableCharge.StringFixed(2), summary.ItemsTotal.StringFixed(2), summary.Total.StringFixed(2))
	return nil
}

func pay(ctx context.Context, term *terminal.Terminal, args []string, out io.Writer) error {
	if len(args) < 3 {
		return errUsage
	}
	meta := models.PaymentMeta{Method: args[1], ReceivedBy: args[2]}
	if len(args) > 3 {
		amount, err := decimal.NewFromString(args[3])
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[3], err)
		}
		meta.Amount = amount
	}

	record, err := term.OnConfirmPayment(ctx, args[0], meta)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "match %s recorded, paid %s by %s\n", record.ID, record.Payment.Amount.StringFixed(2), record.Payment.Method)
	return nil
}

func printView(out io.Writer, v terminal.TableView) {
	flags := ""
	if v.Pending {
		flags += " pending"
	}
	if v.Stale {
		flags += " stale(" + v.StaleReason + ")"
	}
	if v.AwaitingPayment {
		flags += " awaiting-payment"
	}
	fmt.Fprintf(out, "%-12s #%-3d %-9s %-10s %8s %8s%s\n",
		v.Config.ID, v.Config.Number, v.Session.Status, v.Session.BillingMode,
		v.Elapsed.Round(time.Second), v.LiveTotal.StringFixed(2), flags)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
