package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/pdv-movel/internal/catalog"
	"github.com/xenking/pdv-movel/internal/domain/order"
	"github.com/xenking/pdv-movel/internal/domain/product"
	"github.com/xenking/pdv-movel/internal/gateway"
	"github.com/xenking/pdv-movel/internal/session"
)

// RunOrder drives one order session from the terminal until EOF, "quit" or
// ctx cancellation.
func RunOrder(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *OrderConfig) error {
	gw, err := gateway.New(cfg.ClientConfig(), gateway.WithTelemetry(m.TracerProvider(), m.MeterProvider()))
	if err != nil {
		return errors.Wrap(err, "create gateway")
	}
	products, err := catalog.New(gw, cfg.Session.CatalogSize)
	if err != nil {
		return errors.Wrap(err, "create catalog cache")
	}

	lg.Info("Session started", zap.String("backend", cfg.Gateway.BaseURL))
	c := newConsole(gw, products, os.Stdout, session.WithOpTimeout(cfg.Session.OpTimeout))
	return c.run(ctx, os.Stdin)
}

// orderLister lists server orders for the "orders" command.
type orderLister interface {
	ListOrders(ctx context.Context, status string) ([]order.Snapshot, error)
}

// Backend is everything the console needs from the order API.
type Backend interface {
	session.Gateway
	orderLister
}

type console struct {
	out      io.Writer
	backend  Backend
	products *catalog.Cache
	mgr      *session.Manager
}

func newConsole(backend Backend, products *catalog.Cache, out io.Writer, opts ...session.Option) *console {
	c := &console{
		out:      out,
		backend:  backend,
		products: products,
	}
	opts = append(opts, session.WithNotifier(printer{out: out}))
	c.mgr = session.New(backend, opts...)
	return c
}

func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("Type \"help\" for commands.\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if fields[0] == "quit" || fields[0] == "exit" {
				return nil
			}
			if err := c.exec(ctx, fields[0], fields[1:]); err != nil {
				zctx.From(ctx).Debug("Command failed", zap.String("command", fields[0]), zap.Error(err))
				c.printf("error: %s\n", session.Message(err))
			}
		}
	}
}

var errUsage = errors.New("bad arguments, see help")

func (c *console) exec(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help":
		c.printf("%s", helpText)
		return nil
	case "new":
		_, err := c.mgr.Create(ctx, strings.Join(args, " "))
		return err
	case "open":
		if len(args) != 1 {
			return errUsage
		}
		_, err := c.mgr.Resume(ctx, args[0])
		return err
	case "show":
		c.printOrder(c.mgr.Current())
		return nil
	case "orders":
		var status string
		if len(args) > 0 {
			status = args[0]
		}
		return c.listOrders(ctx, status)
	case "search":
		if len(args) == 0 {
			return errUsage
		}
		found, err := c.products.Search(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		c.printProducts(found)
		return nil
	case "top":
		found, err := c.products.BestSellers(ctx)
		if err != nil {
			return err
		}
		c.printProducts(found)
		return nil
	case "add", "scan":
		if len(args) < 1 || len(args) > 2 {
			return errUsage
		}
		qty, err := parseQuantity(args[1:])
		if err != nil {
			return err
		}
		var p product.Product
		if cmd == "scan" {
			p, err = c.products.ByBarcode(ctx, args[0])
		} else {
			p, err = c.products.Get(ctx, args[0])
		}
		if err != nil {
			return err
		}
		_, err = c.mgr.AddItem(ctx, p, qty)
		return err
	case "rm":
		if len(args) != 1 {
			return errUsage
		}
		_, err := c.mgr.RemoveItem(ctx, args[0])
		return err
	case "clear":
		res, err := c.mgr.Clear(ctx)
		if err != nil && len(res.Remaining) > 0 {
			c.printf("%d removed, %d still in the order\n", len(res.Removed), len(res.Remaining))
		}
		return err
	case "send":
		method := order.PaymentNotInformed
		if len(args) > 0 {
			method = order.PaymentMethod(strings.ToUpper(args[0]))
		}
		_, err := c.mgr.Submit(ctx, method)
		return err
	default:
		return errors.Errorf("unknown command %q", cmd)
	}
}

// parseQuantity reads an optional quantity; a decimal comma is accepted.
func parseQuantity(args []string) (decimal.Decimal, error) {
	if len(args) == 0 {
		return decimal.Zero, nil
	}
	qty, err := decimal.NewFromString(strings.ReplaceAll(args[0], ",", "."))
	if err != nil {
		return decimal.Zero, errors.Wrapf(session.ErrInvalidQuantity, "%q", args[0])
	}
	return qty, nil
}

func (c *console) listOrders(ctx context.Context, status string) error {
	orders, err := c.backend.ListOrders(ctx, status)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		c.printf("no orders\n")
		return nil
	}
	for _, s := range orders {
		c.printf("%-8s #%-6s %-12s %3d items  %s\n", s.ID, s.Number, s.Status, len(s.Items), s.Total.StringFixed(2))
	}
	return nil
}

func (c *console) printProducts(products []product.Product) {
	if len(products) == 0 {
		c.printf("no products\n")
		return
	}
	for _, p := range products {
		c.printf("%-8s %-14s %-40s %10s\n", p.ID, p.Barcode, p.Description, p.SuggestedPrice.StringFixed(2))
	}
}

func (c *console) printOrder(o order.Order) {
	printOrder(c.out, o)
}

func (c *console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func printOrder(w io.Writer, o order.Order) {
	switch {
	case o.Status == order.StatusSent:
		_, _ = fmt.Fprintln(w, "Order sent, start a new one with \"new\"")
		return
	case o.ID == "":
		_, _ = fmt.Fprintln(w, "No order, start one with \"new\"")
		return
	}
	_, _ = fmt.Fprintf(w, "Order #%s (%s) id=%s\n", o.Number, o.Status, o.ID)
	for _, it := range o.Items {
		_, _ = fmt.Fprintf(w, "  [%s] %-32s %s x %s - %s = %s\n",
			it.ID, it.Description,
			it.Quantity.String(), it.UnitPrice.StringFixed(2),
			it.Discount.StringFixed(2), it.Total.StringFixed(2),
		)
	}
	_, _ = fmt.Fprintf(w, "Subtotal %s  Discount %s  Total %s\n",
		o.Subtotal.StringFixed(2), o.Discount.StringFixed(2), o.Total.StringFixed(2))
}

// printer renders manager updates. Errors are left to the command loop,
// which reports every failed command once.
type printer struct {
	out io.Writer
}

func (p printer) OrderChanged(o order.Order) {
	printOrder(p.out, o)
}

func (p printer) Notify(level session.Level, msg string) {
	if level == session.LevelError {
		return
	}
	_, _ = fmt.Fprintf(p.out, "[%s] %s\n", level, msg)
}

const helpText = `Commands:
  new [note]            start a new order
  open <id>             continue an existing order
  orders [status]       list server orders
  search <text>         search products
  top                   best sellers
  add <product> [qty]   add a product by id
  scan <barcode> [qty]  add a product by barcode
  rm <item>             remove an order line
  clear                 remove every line
  send [method]         send to the register (DINHEIRO, PIX, CARTAO_CREDITO, CARTAO_DEBITO)
  show                  print the current order
  quit                  leave
`
