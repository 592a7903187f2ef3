package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/gftdcojp/epics-archiver-mcp/internal/tools"
	"go.uber.org/zap"
)

var version = "dev"

var (
	bold    = color.New(color.Bold)
	errorFg = color.New(color.FgRed, color.Bold)
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "archiver-mcp API address")
	noColor := flag.Bool("no-color", false, "disable colored output")
	flag.Parse()
	if *noColor {
		color.NoColor = true
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("archiver-ctl %s\n", version)
	case "status":
		cmdStatus(*addr)
	case "data":
		cmdData(*addr, args[1:])
	case "stats":
		cmdStats(*addr, args[1:])
	case "decode":
		cmdDecode(args[1:])
	case "cache":
		if len(args) >= 3 && args[1] == "evict" {
			cmdEvict(*addr, args[2])
			return
		}
		cmdCache(*addr)
	default:
		fail("unknown command: %s", args[0])
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `archiver-ctl - EPICS archiver MCP server CLI

Usage:
  archiver-ctl [flags] <command> [args]

Commands:
  status                              Show server and cache tier status
  data [-format f] [-max n] <pv> <start> <end>
                                      Fetch PV samples (format: table, json, summary)
  stats [-channel n] <pv> <start> <end>
                                      Show PV statistics and data quality
  decode [-max n] <file>              Decode a raw archiver PB file offline
  cache                               List cached archiver responses
  cache evict <id>                    Remove a cached response from every tier
  version                             Show version

Flags:
  -addr string   API address (default "http://localhost:8080")
  -no-color      Disable colored output`)
}

func fail(format string, args ...any) {
	errorFg.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// get performs a request against the API and decodes the JSON reply into
// v. Non-2xx replies exit with the server's error message.
func get(method, u string, v any) {
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		fail("%v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fail("%v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fail("reading response: %v", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			fail("%s (%d)", e.Error, resp.StatusCode)
		}
		fail("%s", resp.Status)
	}
	if err := json.Unmarshal(body, v); err != nil {
		fail("decoding response: %v", err)
	}
}

func rangeArgs(fs *flag.FlagSet, args []string, usage string) (pv, start, end string) {
	fs.Parse(args)
	if fs.NArg() != 3 {
		fail("usage: archiver-ctl %s", usage)
	}
	return fs.Arg(0), fs.Arg(1), fs.Arg(2)
}

func pvURL(addr, pv, op string, q url.Values) string {
	return addr + "/v1/pvs/" + url.PathEscape(pv) + "/" + op + "?" + q.Encode()
}

func cmdStatus(addr string) {
	var status struct {
		Status       string `json:"status"`
		CacheEnabled bool   `json:"cache_enabled"`
		Tiers        []struct {
			Tier        string `json:"tier"`
			EntryCount  int64  `json:"entry_count"`
			TotalBytes  int64  `json:"total_bytes"`
			CapacityMax int64  `json:"capacity_max"`
		} `json:"tiers"`
	}
	get(http.MethodGet, addr+"/v1/status", &status)

	fmt.Print("status: ")
	if status.Status == "ok" {
		color.Green(status.Status)
	} else {
		color.Red(status.Status)
	}
	if !status.CacheEnabled {
		fmt.Println("cache:  disabled")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	bold.Fprintln(w, "TIER\tENTRIES\tBYTES\tCAPACITY")
	for _, t := range status.Tiers {
		capacity := fmt.Sprint(t.CapacityMax)
		if t.CapacityMax < 0 {
			capacity = "unlimited"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", t.Tier, t.EntryCount, t.TotalBytes, capacity)
	}
	w.Flush()
}

func cmdData(addr string, args []string) {
	fs := flag.NewFlagSet("data", flag.ExitOnError)
	format := fs.String("format", "table", "output format: table, json or summary")
	maxSamples := fs.Int("max", 0, "decimate to at most this many samples")
	pv, start, end := rangeArgs(fs, args, "data [-format f] [-max n] <pv> <start> <end>")

	q := url.Values{"start": {start}, "end": {end}}
	if *maxSamples > 0 {
		q.Set("max_samples", fmt.Sprint(*maxSamples))
	}
	if *format != "table" {
		q.Set("format", *format)
	}

	var resp tools.Response
	var series tools.SeriesData
	if *format == "table" {
		resp.Data = &series
	}
	get(http.MethodGet, pvURL(addr, pv, "data", q), &resp)
	if resp.Message != "" {
		fmt.Println(resp.Message)
		return
	}
	if *format == "table" {
		printSeries(&series)
	} else {
		printJSON(resp.Data)
	}
	printNote(resp.Note)
}

func cmdStats(addr string, args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	channel := fs.Int("channel", 0, "waveform element to summarize")
	pv, start, end := rangeArgs(fs, args, "stats [-channel n] <pv> <start> <end>")

	q := url.Values{"start": {start}, "end": {end}}
	if *channel != 0 {
		q.Set("channel", fmt.Sprint(*channel))
	}

	var resp tools.Response
	get(http.MethodGet, pvURL(addr, pv, "statistics", q), &resp)
	if resp.Message != "" {
		fmt.Println(resp.Message)
		return
	}
	printJSON(resp.Data)
	printNote(resp.Note)
}

// cmdDecode decodes a saved archiver response locally; no server is needed.
func cmdDecode(args []string) {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	maxSamples := fs.Int("max", 0, "decimate to at most this many samples")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fail("usage: archiver-ctl decode [-max n] <file>")
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fail("%v", err)
	}
	svc := tools.NewService(nil, zap.NewNop())
	resp, err := svc.DecodePVStream(tools.WithSurface(context.Background(), "cli"), tools.DecodeArgs{
		DataBase64: base64.StdEncoding.EncodeToString(raw),
		MaxSamples: *maxSamples,
	})
	if err != nil {
		fail("%v", err)
	}
	if resp.Message != "" {
		fmt.Println(resp.Message)
		return
	}
	series := resp.Data.(tools.SeriesData)
	printSeries(&series)
	printNote(resp.Note)
}

func cmdCache(addr string) {
	var entries []struct {
		ID          string   `json:"id"`
		PV          string   `json:"pv"`
		Start       string   `json:"start"`
		End         string   `json:"end"`
		SampleCount int      `json:"sample_count"`
		SizeBytes   int64    `json:"size_bytes"`
		Tiers       []string `json:"tiers"`
		Age         string   `json:"age"`
	}
	get(http.MethodGet, addr+"/v1/cache", &entries)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	bold.Fprintln(w, "ID\tPV\tSTART\tEND\tSAMPLES\tSIZE\tTIERS\tAGE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%v\t%s\n",
			e.ID, e.PV, e.Start, e.End, e.SampleCount, e.SizeBytes, e.Tiers, e.Age)
	}
	w.Flush()
}

func cmdEvict(addr, id string) {
	var resp map[string]string
	get(http.MethodDelete, addr+"/v1/cache/"+url.PathEscape(id), &resp)
	color.Green("evicted %s", id)
}

// severityColor follows the EPICS alarm severities NO_ALARM, MINOR, MAJOR
// and INVALID.
func severityColor(sev int32) *color.Color {
	switch sev {
	case 0:
		return color.New(color.FgGreen)
	case 1:
		return color.New(color.FgYellow)
	case 2:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgMagenta)
	}
}

func printSeries(s *tools.SeriesData) {
	bold.Printf("%s", s.PVName)
	fmt.Printf("  %s x%d  %d of %d samples\n", s.ValueType, s.ElementCount, s.Count, s.TotalCount)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	bold.Fprintln(w, "TIMESTAMP\tVALUE\tSEVERITY\tSTATUS")
	for i := range s.Timestamps {
		value := "NaN"
		if v := s.Values[i]; v != nil {
			value = fmt.Sprint(v)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			s.Timestamps[i].Format(time.RFC3339Nano), value,
			severityColor(s.Severities[i]).Sprint(s.Severities[i]), s.Statuses[i])
	}
	w.Flush()
}

func printNote(note string) {
	if note != "" {
		color.Yellow("\nNote: %s", note)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
