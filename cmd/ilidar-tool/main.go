// Command ilidar-tool discovers, configures, and updates a fleet of
// networked time-of-flight LiDAR sensors over the proprietary
// ilidar UDP control protocol.
//
// Usage:
//
//	ilidar-tool [flags] <command> <targets...>
//	ilidar-tool [flags] config <preset.json...>
//	ilidar-tool [flags] convert <in.csv> <out.json>
//
// See spec.md §6 for the full command and target grammar. CLI parsing
// here is deliberately thin: it builds the structured Command/Targets/
// NetworkOptions values the internal packages consume and otherwise
// stays out of their way, matching the teacher's cmd/lidar/lidar.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/ilidar-tool/internal/admin"
	"github.com/banshee-data/ilidar-tool/internal/capture"
	"github.com/banshee-data/ilidar-tool/internal/discovery"
	"github.com/banshee-data/ilidar-tool/internal/dispatch"
	"github.com/banshee-data/ilidar-tool/internal/fleet"
	"github.com/banshee-data/ilidar-tool/internal/historydb"
	"github.com/banshee-data/ilidar-tool/internal/network"
	"github.com/banshee-data/ilidar-tool/internal/reconcile"
	"github.com/banshee-data/ilidar-tool/internal/resolver"
	"github.com/banshee-data/ilidar-tool/internal/update"
)

var (
	dbPath      = flag.String("db", "", "optional sqlite history database path (enables persistence of discovery/reconcile/update results)")
	listenAddr  = flag.String("listen", "", "optional HTTP debug listen address, e.g. :8080 (enables the read-only /debug/* surface)")
	pcapIface   = flag.String("pcap", "", "optional network interface to passively record to a pcap file (requires a -tags=pcap build)")
	firmwareDir = flag.String("firmware", "bin", "directory of firmware *.bin files, used by update/overwrite")
	outDir      = flag.String("out", ".", "output directory for info JSON dumps and captured packets")
	cmdTimeout  = flag.Duration("timeout", 10*time.Minute, "overall deadline for the command")
	forceFlash  = flag.Bool("force", false, "for update: flash even when the sensor already runs the file's version (equivalent to the overwrite command)")
)

var (
	senderTokens     stringSliceFlag
	senderIPTokens   stringSliceFlag
	senderPortTokens stringSliceFlag
)

func init() {
	flag.Var(&senderTokens, "sender", "ip:port to bind and send from (repeatable); default uses every host interface")
	flag.Var(&senderIPTokens, "sender_ip", "host ip to bind (repeatable, combines with -sender_port)")
	flag.Var(&senderPortTokens, "sender_port", "destination port to listen on (repeatable, combines with -sender_ip)")
}

func main() {
	flag.Parse()
	os.Exit(run())
}

// run builds the network endpoints, wires the optional C8/C9/C10
// subsystems, and dispatches the requested command inside a bounded
// deadline. It returns the process exit code rather than calling
// os.Exit directly so deferred cleanup always runs.
func run() int {
	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: ilidar-tool [flags] <command> <targets...>")
		return 2
	}
	command := args[0]
	rest := args[1:]

	var store *historydb.Store
	if *dbPath != "" {
		var err error
		store, err = historydb.Open(*dbPath)
		if err != nil {
			log.Printf("ilidar-tool: open history database: %v", err)
			return 1
		}
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancelTimeout := context.WithTimeout(ctx, *cmdTimeout)
	defer cancelTimeout()

	endpoints, warnings, err := openEndpoints()
	if err != nil {
		log.Printf("ilidar-tool: %v", err)
		return 1
	}
	defer closeEndpoints(endpoints)
	for _, w := range warnings {
		log.Printf("ilidar-tool: warning: %s", w)
	}

	var wg sync.WaitGroup

	if *listenAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runDebugServer(ctx, endpoints, store)
		}()
	}

	if *pcapIface != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runCapture(ctx)
		}()
	}

	exitCode := 0
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		exitCode = dispatchCommand(ctx, command, rest, endpoints, store)
	}()

	wg.Wait()
	return exitCode
}

func openEndpoints() ([]*network.Endpoint, []string, error) {
	hosts, err := hostInterfaces()
	if err != nil {
		return nil, nil, fmt.Errorf("enumerate host interfaces: %w", err)
	}

	opts, err := networkOptions(senderTokens, senderIPTokens, senderPortTokens)
	if err != nil {
		return nil, nil, err
	}

	cfgs, warnings, err := resolver.Resolve(hosts, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve network endpoints: %w", err)
	}

	endpoints := make([]*network.Endpoint, 0, len(cfgs))
	for _, cfg := range cfgs {
		ep, err := network.Open(cfg)
		if err != nil {
			closeEndpoints(endpoints)
			return nil, nil, fmt.Errorf("open endpoint %s: %w", cfg.BindIP, err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, warnings, nil
}

func closeEndpoints(endpoints []*network.Endpoint) {
	for _, ep := range endpoints {
		if err := ep.Close(); err != nil {
			log.Printf("ilidar-tool: close endpoint: %v", err)
		}
	}
}

func runDebugServer(ctx context.Context, endpoints []*network.Endpoint, store *historydb.Store) {
	mux := http.NewServeMux()
	admin.AttachRoutes(mux, endpoints, store)

	server := &http.Server{Addr: *listenAddr, Handler: mux}

	go func() {
		log.Printf("ilidar-tool: debug server listening on %s", *listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ilidar-tool: debug server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("ilidar-tool: debug server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("ilidar-tool: debug server force close error: %v", err)
		}
	}
}

func runCapture(ctx context.Context) {
	outPath := filepath.Join(*outDir, fmt.Sprintf("capture_%s.pcap", time.Now().Format("20060102_150405")))
	rec, err := capture.Start(*pcapIface, outPath)
	if err != nil {
		log.Printf("ilidar-tool: capture disabled: %v", err)
		return
	}
	defer rec.Close()
	if err := rec.Run(ctx); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		log.Printf("ilidar-tool: capture error: %v", err)
	}
}

// dispatchCommand runs one command to completion and returns its exit
// code, per spec.md §6: 0 on completion including per-sensor skips,
// non-zero on argument error.
func dispatchCommand(ctx context.Context, command string, rest []string, endpoints []*network.Endpoint, store *historydb.Store) int {
	switch command {
	case "info", "pause", "measure", "lock", "unlock", "reboot", "redirect", "reset":
		return runSimpleCommand(ctx, command, rest, endpoints, store)
	case "config":
		return runConfig(ctx, rest, endpoints, store)
	case "update", "overwrite":
		return runUpdate(ctx, command == "overwrite", rest, endpoints, store)
	case "convert":
		return runConvert(rest)
	default:
		log.Printf("ilidar-tool: unknown command %q", command)
		return 2
	}
}

var simpleCommands = map[string]dispatch.Command{
	"info":     dispatch.CommandInfo,
	"pause":    dispatch.CommandPause,
	"measure":  dispatch.CommandMeasure,
	"lock":     dispatch.CommandLock,
	"unlock":   dispatch.CommandUnlock,
	"reboot":   dispatch.CommandReboot,
	"redirect": dispatch.CommandRedirect,
	"reset":    dispatch.CommandReset,
}

func runSimpleCommand(ctx context.Context, command string, rest []string, endpoints []*network.Endpoint, store *historydb.Store) int {
	targets, err := parseTargets(rest)
	if err != nil {
		log.Printf("ilidar-tool: %v", err)
		return 2
	}

	cmd := simpleCommands[command]
	outputDir := *outDir
	if command == "info" {
		outputDir = filepath.Join(*outDir, "read")
	}

	// info re-runs discovery here, ahead of dispatch.Run's own internal
	// pass, purely to capture a historydb snapshot when -db is set;
	// dispatch.Run remains the single source of truth for the written
	// JSON summary. The extra broadcast round is opt-in (only happens
	// with -db) and still bounded by ctx's deadline.
	if command == "info" && store != nil {
		eng := discovery.New(endpoints)
		res, err := eng.Run(ctx, targets)
		if err != nil {
			log.Printf("ilidar-tool: discovery: %v", err)
		}
		store.RecordDiscovery(targetSpec(rest), res, time.Now().UnixNano())
	}

	if err := dispatch.Run(ctx, cmd, targets, endpoints, outputDir); err != nil {
		log.Printf("ilidar-tool: %s: %v", command, err)
		return 1
	}
	log.Printf("ilidar-tool: %s complete", command)
	return 0
}

func targetSpec(tokens []string) string {
	spec := ""
	for i, t := range tokens {
		if i > 0 {
			spec += " "
		}
		spec += t
	}
	return spec
}

func runConfig(ctx context.Context, presetFiles []string, endpoints []*network.Endpoint, store *historydb.Store) int {
	if len(presetFiles) == 0 {
		log.Printf("ilidar-tool: config requires at least one preset JSON file")
		return 2
	}

	var desired []fleet.DesiredRecord
	for _, path := range presetFiles {
		recs, err := fleet.LoadPresetFile(path)
		if err != nil {
			log.Printf("ilidar-tool: %v", err)
			return 2
		}
		desired = append(desired, recs...)
	}
	if len(desired) == 0 {
		log.Printf("ilidar-tool: no usable preset records found")
		return 2
	}

	outcomes, err := reconcile.Run(ctx, desired, endpoints)
	if err != nil {
		log.Printf("ilidar-tool: config: %v", err)
		return 1
	}
	store.RecordReconcile(runID(), outcomes, time.Now().UnixNano())

	for _, o := range outcomes {
		if o.Skipped {
			log.Printf("ilidar-tool: sn=%d skipped: %s", o.SensorSN, o.SkipReason)
			continue
		}
		log.Printf("ilidar-tool: sn=%d: %d fields diffed, applied=%v", o.SensorSN, len(o.FieldsDiff), o.Applied)
	}
	return 0
}

func runUpdate(ctx context.Context, forced bool, rest []string, endpoints []*network.Endpoint, store *historydb.Store) int {
	targets, err := parseTargets(rest)
	if err != nil {
		log.Printf("ilidar-tool: %v", err)
		return 2
	}

	files, err := fleet.DiscoverFirmwareFiles(*firmwareDir)
	if err != nil {
		log.Printf("ilidar-tool: %v", err)
		return 2
	}
	if len(files) == 0 {
		log.Printf("ilidar-tool: no firmware files found in %s", *firmwareDir)
		return 2
	}

	outcomes, err := update.Run(ctx, files, targets, endpoints, forced || *forceFlash)
	if err != nil {
		log.Printf("ilidar-tool: update: %v", err)
		return 1
	}
	store.RecordUpdate(runID(), files, outcomes, time.Now().UnixNano())

	for _, o := range outcomes {
		if !o.Success {
			log.Printf("ilidar-tool: sn=%d update failed: %v", o.SensorSN, o.Err)
			continue
		}
		log.Printf("ilidar-tool: sn=%d updated", o.SensorSN)
	}
	return 0
}

func runConvert(rest []string) int {
	if len(rest) != 2 {
		log.Printf("ilidar-tool: convert requires exactly 2 arguments: <in.csv> <out.json>")
		return 2
	}
	n, err := fleet.ConvertCSVToJSON(rest[0], rest[1])
	if err != nil {
		log.Printf("ilidar-tool: %v", err)
		return 1
	}
	log.Printf("ilidar-tool: converted %d preset record(s) to %s", n, rest[1])
	return 0
}

// runID labels one invocation's persisted rows so historydb queries can
// group a command's outcomes together, matching discovery.Engine.Run's
// own uuid.NewString() run identifier.
func runID() string {
	return uuid.NewString()
}
