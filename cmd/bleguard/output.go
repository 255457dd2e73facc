package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/term"

	"github.com/srg/bleguard/pkg/engine"
	"github.com/srg/bleguard/pkg/events"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

var validFormats = []string{formatTable, formatJSON}

// printer renders engine events and the final status snapshot.
type printer interface {
	PrintEvent(ev events.Event)
	PrintSnapshot(snap []engine.DeviceStatus) error
}

func newPrinter(format string, w io.Writer, colors bool) (printer, error) {
	switch format {
	case formatTable:
		return newTablePrinter(w, colors), nil
	case formatJSON:
		return &jsonPrinter{w: w}, nil
	default:
		return nil, fmt.Errorf("invalid format '%s': must be one of %v", format, validFormats)
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// eventDetails returns the event's fields as sorted key=value pairs, without the
// columns the table prints separately.
func eventDetails(ev events.Event) []string {
	fields := ev.Fields()
	delete(fields, "event")
	delete(fields, "device")

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return out
}

type tablePrinter struct {
	mu     sync.Mutex
	w      io.Writer
	colors map[events.Type]*color.Color
	plain  *color.Color
}

func newTablePrinter(w io.Writer, enable bool) *tablePrinter {
	mk := func(attrs ...color.Attribute) *color.Color {
		c := color.New(attrs...)
		if enable {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c
	}

	green, yellow, red := mk(color.FgGreen), mk(color.FgYellow), mk(color.FgRed, color.Bold)
	return &tablePrinter{
		w: w,
		colors: map[events.Type]*color.Color{
			events.Succeeded:           green,
			events.Failed:              yellow,
			events.HealthWarning:       yellow,
			events.GaveUp:              red,
			events.ConnectionStale:     red,
			events.AdapterStateChanged: mk(color.FgCyan),
		},
		plain: mk(),
	}
}

func (p *tablePrinter) PrintEvent(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.colors[ev.Type]
	if !ok {
		c = p.plain
	}
	dev := ev.Device.String()
	if dev == "" {
		dev = "-"
	}

	line := fmt.Sprintf("%-12s  %-17s  %-21s  %s",
		ev.Time.Format("15:04:05.000"), dev, ev.Type, strings.Join(eventDetails(ev), " "))
	fmt.Fprintln(p.w, c.Sprint(strings.TrimRight(line, " ")))
}

func (p *tablePrinter) PrintSnapshot(snap []engine.DeviceStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(snap) == 0 {
		_, err := fmt.Fprintln(p.w, "No devices tracked.")
		return err
	}

	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tHEALTH\tRSSI\tATTEMPTS\tRETRYING\tPENDING\tLAST ERROR")
	for _, ds := range snap {
		rssi := "-"
		if ds.RSSI != nil {
			rssi = strconv.Itoa(*ds.RSSI)
		}
		lastErr := ds.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%t\t%s\n",
			ds.ID, ds.Health, rssi, ds.Attempts, ds.Retrying, ds.Pending, lastErr)
	}
	return tw.Flush()
}

// jsonPrinter writes one JSON object per line with a stable key order.
type jsonPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *jsonPrinter) PrintEvent(ev events.Event) {
	fields := ev.Fields()

	om := orderedmap.New[string, any]()
	om.Set("time", ev.Time.Format(time.RFC3339Nano))
	om.Set("event", string(ev.Type))
	if ev.Device != "" {
		om.Set("device", ev.Device.String())
	}
	delete(fields, "event")
	delete(fields, "device")

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		om.Set(k, fields[k])
	}

	p.writeLine(om)
}

func (p *jsonPrinter) PrintSnapshot(snap []engine.DeviceStatus) error {
	if snap == nil {
		snap = []engine.DeviceStatus{}
	}
	om := orderedmap.New[string, any]()
	om.Set("event", "snapshot")
	om.Set("devices", snap)
	return p.writeLine(om)
}

func (p *jsonPrinter) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = fmt.Fprintln(p.w, string(data))
	return err
}
