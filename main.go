package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const usage = `aip - Agent Inbox Protocol node

Usage:
  aip serve    [-c config.yaml]                 run the inbox node
  aip keygen   [--out path] [--force]           create an Ed25519 identity
  aip send     --inbox URL --type T --description D [--params JSON] [--wait]
  aip status   --inbox URL [--countersign] TASK_ID
                                                fetch a task's status
  aip drop     [--dir tasks] [--inbox URL]      submit task files from a directory
  aip discover [--capability T]                 find agents on Nostr relays
  aip dvm      [-c config.yaml]                 run only the NIP-90 bridge
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(args)
	case "keygen":
		err = runKeygen(args)
	case "send":
		err = runSend(args)
	case "status":
		err = runStatus(args)
	case "drop":
		err = runDrop(args)
	case "discover":
		err = runDiscover(args)
	case "dvm":
		err = runDVM(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func loadConfigFlag(fs *pflag.FlagSet, args []string) (*Config, error) {
	path := fs.StringP("config", "c", os.Getenv("AIP_CONFIG"), "YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(*path)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// node is the state shared by serve and dvm.
type node struct {
	cfg     *Config
	kp      *Keypair
	inbox   *Inbox
	nonces  *NonceTracker
	limiter *RateLimiter
}

func openNode(cfg *Config) (*node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	kp, created, err := LoadOrCreateKeypair(cfg.KeyPath())
	if err != nil {
		return nil, fmt.Errorf("agent key: %w", err)
	}
	if created {
		log.Printf("generated agent identity %s", kp.ID())
	}
	manifest, err := LoadOrBuildManifest(cfg, kp.ID(), cfg.ManifestPath())
	if err != nil {
		return nil, err
	}
	tasks, err := NewTaskStore(cfg.TasksDir())
	if err != nil {
		return nil, err
	}
	receipts, err := NewReceiptStore(cfg.ReceiptsDir())
	if err != nil {
		return nil, err
	}
	nonces := NewNonceTracker(cfg.Replay.Window, cfg.NoncePath())
	if err := nonces.Load(); err != nil {
		log.Printf("nonce tracker: starting empty, load failed: %v", err)
	}
	limiter := NewRateLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
	return &node{
		cfg:     cfg,
		kp:      kp,
		inbox:   NewInbox(kp, manifest, tasks, receipts, nonces, limiter),
		nonces:  nonces,
		limiter: limiter,
	}, nil
}

// startBackground launches the housekeeping loops and any Nostr bridges.
func (n *node) startBackground(ctx context.Context, wg *sync.WaitGroup, withDVM bool) error {
	cfg := n.cfg
	goRun := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	goRun(func(ctx context.Context) { n.nonces.Run(ctx, cfg.Replay.SweepInterval) })
	goRun(func(ctx context.Context) {
		runPeriodic(ctx, "limiter-sweep", cfg.RateLimit.Window, func(context.Context) {
			n.limiter.Sweep(time.Now())
		})
	})

	dead, err := NewDeadLetterStore(cfg.DeadLetterDir())
	if err != nil {
		return err
	}
	callbacks := NewCallbackDispatcher(cfg.Callback, dead)
	n.inbox.AddListener(callbacks)
	goRun(callbacks.Run)

	if cfg.Nostr.Nsec == "" {
		if withDVM {
			return errors.New("nostr.nsec is required for the DVM bridge")
		}
		return nil
	}
	pub, err := NewRelayPublisher(ctx, cfg.Nostr.Nsec, cfg.Relays)
	if err != nil {
		return fmt.Errorf("nostr identity: %w", err)
	}
	log.Printf("nostr identity %s on %d relays", shortID(pub.PubKey()), len(cfg.Relays))

	if cfg.Nostr.PublishManifest {
		goRun(func(ctx context.Context) {
			pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := pub.PublishManifest(pctx, n.inbox.Manifest()); err != nil {
				log.Printf("manifest publish failed: %v", err)
			}
		})
	}
	if cfg.Nostr.PublishReceipts {
		rp := NewReceiptPublisher(pub)
		n.inbox.AddListener(rp)
		goRun(rp.Run)
	}
	if withDVM || cfg.Nostr.DVM {
		bridge, err := NewDVMBridge(pub, n.inbox, n.kp, cfg.Nostr, cfg.DVMStatePath())
		if err != nil {
			return err
		}
		n.inbox.AddListener(bridge)
		goRun(bridge.Run)
	}
	return nil
}

func runServe(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ExitOnError)
	port := fs.StringP("port", "p", "", "listen port (overrides config)")
	cfg, err := loadConfigFlag(fs, args)
	if err != nil {
		return err
	}
	if *port != "" {
		cfg.Port = *port
	}

	n, err := openNode(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feed := NewTaskFeed(n.kp.ID())
	n.inbox.AddListener(feed)

	var wg sync.WaitGroup
	if err := n.startBackground(ctx, &wg, false); err != nil {
		return err
	}

	bond := NewSpamBondGate(NewWallet(cfg.Lightning), cfg.SpamBond, cfg.SpamBondPath())
	if bond != nil {
		if err := bond.Load(); err != nil {
			log.Printf("spam bond: starting empty, load failed: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			runPeriodic(ctx, "spam-bond-sweep", 10*time.Minute, func(context.Context) { bond.Sweep() })
			bond.Sweep()
		}()
	}
	var throttle *IPThrottle
	if cfg.RateLimit.IPPerMinute > 0 {
		throttle = NewIPThrottle(cfg.RateLimit.IPPerMinute, cfg.RateLimit.IPPerMinute/4+1)
		throttle.TrustProxy = cfg.RateLimit.TrustProxy
		wg.Add(1)
		go func() {
			defer wg.Done()
			runPeriodic(ctx, "ip-throttle-cleanup", 10*time.Minute, func(context.Context) {
				throttle.Cleanup(30 * time.Minute)
			})
		}()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewServer(n.inbox, cfg.OperatorToken, feed, bond, throttle).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("AIP inbox for agent %s listening on :%s", shortID(n.kp.ID()), cfg.Port)
		if cfg.OperatorToken == "" {
			log.Printf("no operator token configured, task transitions are loopback-only")
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		wg.Wait()
		return err
	}

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	wg.Wait()
	return nil
}

func runDVM(args []string) error {
	fs := pflag.NewFlagSet("dvm", pflag.ExitOnError)
	cfg, err := loadConfigFlag(fs, args)
	if err != nil {
		return err
	}
	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if err := n.startBackground(ctx, &wg, true); err != nil {
		return err
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func runKeygen(args []string) error {
	fs := pflag.NewFlagSet("keygen", pflag.ExitOnError)
	out := fs.StringP("out", "o", "requester_key.json", "where to write the keypair")
	force := fs.BoolP("force", "f", false, "overwrite an existing key file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("%s exists, use --force to replace it", *out)
	}
	kp, err := GenerateKeypair()
	if err != nil {
		return err
	}
	if err := kp.Save(*out); err != nil {
		return err
	}
	fmt.Println(kp.ID())
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSend(args []string) error {
	fs := pflag.NewFlagSet("send", pflag.ExitOnError)
	inbox := fs.String("inbox", "http://localhost:3141", "remote inbox base URL")
	keyPath := fs.StringP("key", "k", "requester_key.json", "requester keypair (created if missing)")
	taskType := fs.StringP("type", "t", "", "task type, e.g. code.review")
	desc := fs.StringP("description", "d", "", "task description")
	paramsJSON := fs.String("params", "", "task params as a JSON object")
	callback := fs.String("callback", "", "callback URL for the final status")
	wait := fs.Bool("wait", false, "poll until the task is completed or rejected")
	lnbitsURL := fs.String("lnbits-url", os.Getenv("LNBITS_URL"), "wallet used to pay a spam bond")
	lnbitsKey := fs.String("lnbits-key", os.Getenv("LNBITS_KEY"), "wallet API key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *taskType == "" || *desc == "" {
		return errors.New("--type and --description are required")
	}

	kp, created, err := LoadOrCreateKeypair(*keyPath)
	if err != nil {
		return err
	}
	if created {
		log.Printf("created requester identity %s in %s", kp.ID(), *keyPath)
	}

	var params map[string]interface{}
	if *paramsJSON != "" {
		if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
			return fmt.Errorf("--params: %w", err)
		}
	}
	req := NewTaskRequest(kp, *taskType, *desc, params)
	req.CallbackURL = *callback

	client := NewClient(*inbox)
	client.Wallet = NewWallet(LightningConfig{LNbitsURL: *lnbitsURL, LNbitsAPIKey: *lnbitsKey})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resp, err := client.Submit(ctx, req, kp)
	if err != nil {
		return err
	}
	if !*wait {
		return printJSON(resp)
	}
	log.Printf("task %s accepted, waiting for completion", resp.TaskID)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		view, err := client.Status(ctx, resp.TaskID)
		if err != nil {
			return err
		}
		if view.Status.Terminal() {
			return printJSON(view)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func runStatus(args []string) error {
	fs := pflag.NewFlagSet("status", pflag.ExitOnError)
	inbox := fs.String("inbox", "http://localhost:3141", "remote inbox base URL")
	verify := fs.Bool("verify", true, "check the receipt signature against the agent manifest")
	countersign := fs.Bool("countersign", false, "add the requester signature to the receipt")
	keyPath := fs.StringP("key", "k", "requester_key.json", "requester keypair used by --countersign")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: aip status --inbox URL TASK_ID")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := NewClient(*inbox)
	view, err := client.Status(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if *verify && view.Receipt != nil {
		m, err := client.Manifest(ctx)
		if err != nil {
			return fmt.Errorf("fetch manifest: %w", err)
		}
		if !VerifyReceipt(view.Receipt, m.AgentID) {
			return fmt.Errorf("receipt for %s does not verify against agent %s", view.TaskID, m.AgentID)
		}
		log.Printf("receipt signature verified against agent %s", shortID(m.AgentID))
		if view.Receipt.RequesterSignature != "" && !VerifyCounterSignature(view.Receipt) {
			return fmt.Errorf("receipt for %s carries an invalid requester signature", view.TaskID)
		}
	}
	if *countersign {
		if view.Receipt == nil {
			return fmt.Errorf("task %s has no receipt to counter-sign", view.TaskID)
		}
		kp, err := LoadKeypair(*keyPath)
		if err != nil {
			return err
		}
		if err := CounterSignReceipt(view.Receipt, kp); err != nil {
			return err
		}
	}
	return printJSON(view)
}

func runDrop(args []string) error {
	fs := pflag.NewFlagSet("drop", pflag.ExitOnError)
	dir := fs.String("dir", "", "drop directory (overrides config)")
	inbox := fs.String("inbox", "", "remote inbox base URL (overrides config)")
	keyPath := fs.StringP("key", "k", "", "requester keypair (overrides config)")
	once := fs.Bool("once", false, "scan a single time and exit")
	cfg, err := loadConfigFlag(fs, args)
	if err != nil {
		return err
	}
	if *dir != "" {
		cfg.Drop.Dir = *dir
	}
	if *inbox != "" {
		cfg.Drop.InboxURL = *inbox
	}
	if *keyPath != "" {
		cfg.Drop.KeyFile = *keyPath
	}
	if cfg.Drop.KeyFile == "" {
		cfg.Drop.KeyFile = "requester_key.json"
	}

	kp, _, err := LoadOrCreateKeypair(cfg.Drop.KeyFile)
	if err != nil {
		return err
	}
	client := NewClient(cfg.Drop.InboxURL)
	client.Wallet = NewWallet(cfg.Lightning)
	drop, err := NewTaskDrop(cfg.Drop.Dir, client, kp, cfg.Drop.PollInterval)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *once {
		drop.Scan(ctx)
		return nil
	}
	drop.Run(ctx)
	return nil
}

func runDiscover(args []string) error {
	fs := pflag.NewFlagSet("discover", pflag.ExitOnError)
	capability := fs.String("capability", "", "only agents advertising this task type")
	timeout := fs.Duration("timeout", 20*time.Second, "how long to wait for relays")
	relayList := fs.StringSlice("relay", nil, "relay URL (repeatable, overrides config)")
	cfg, err := loadConfigFlag(fs, args)
	if err != nil {
		return err
	}
	relays := cfg.Relays
	if len(*relayList) > 0 {
		relays = *relayList
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	agents := DiscoverAgents(ctx, relays, *capability)
	log.Printf("found %d agents on %d relays", len(agents), len(relays))
	return printJSON(agents)
}
