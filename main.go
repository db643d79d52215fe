package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"krack/audio"
	"krack/backend"
	"krack/beep"
	"krack/broker"
	"krack/clipboard"
	"krack/doctor"
	"krack/log"
	"krack/pipeline"
	"krack/session"
	"krack/shutdown"
	"krack/transport"
	"krack/update"
)

var version = "dev"

type app struct {
	engine *session.Engine
	brk    *broker.Broker
	pipe   *pipeline.Pipeline
}

var shutdownOnce sync.Once

func gracefulShutdown(a *app) {
	shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.engine.End(ctx)
		log.Close()
		if p := currentTUIProgram(); p != nil {
			p.Quit()
		}
	})
}

func runUpdate() {
	if version == "dev" {
		fmt.Println("Dev build — cannot check for updates.")
		return
	}
	fmt.Printf("krack %s — checking for updates...\n", version)
	rel, err := update.CheckLatest(version)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if rel == nil {
		fmt.Println("Already up to date.")
		return
	}
	fmt.Printf("Update available: %s -> %s\n", version, rel.Version)
	fmt.Print("Continue? [y/N] ")
	var answer string
	fmt.Scanln(&answer)
	if answer != "y" && answer != "Y" {
		fmt.Println("Aborted.")
		return
	}
	fmt.Printf("Downloading %s...\n", rel.Version)
	if err := update.Apply(rel); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Updated to %s\n", rel.Version)
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run() {
	if len(os.Args) > 1 && os.Args[1] == "update" {
		runUpdate()
		return
	}

	godotenv.Load()

	backendFlag := flag.String("backend", envDefault("KRACK_BACKEND_URL", "https://api.krack.app"), "Backend base URL")
	wsFlag := flag.String("ws", envDefault("KRACK_WS_URL", "wss://api.krack.app/stream"), "Transcription stream URL")
	tokenFlag := flag.String("token", os.Getenv("KRACK_TOKEN"), "Bearer token for the backend")
	resumeFlag := flag.String("resume", "", "Resume file to upload before starting")
	jobdescFlag := flag.String("jobdesc", "", "Job description text, or @file to read one")
	setupFlag := flag.Bool("setup", false, "Pick a capture source interactively and exit")
	checkoutFlag := flag.String("checkout-origin", broker.DefaultCheckoutOrigin, "Allow-listed checkout origin for external links")
	billingFlag := flag.String("billing-url", "https://"+broker.DefaultCheckoutOrigin+"/c/pay", "Billing page opened on budget exhaustion")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	testFlag := flag.Bool("test", false, "Test mode (headless, stdin-driven)")
	tuiFlag := flag.Bool("tui", true, "Run with terminal UI")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("krack %s\n", version)
		os.Exit(0)
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if *doctorFlag {
		os.Exit(doctor.Run(*backendFlag, *tokenFlag))
	}

	if *testFlag {
		runTestMode()
		return
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	audioCtx, err := audio.NewContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: audio init failed: %v\n", err)
		os.Exit(1)
	}
	defer audioCtx.Close()

	if *setupFlag {
		dev, err := audio.SelectSource(audioCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if dev == nil {
			fmt.Println("Using system default input")
		} else {
			fmt.Printf("Selected: %s\n", dev.Name)
		}
		return
	}

	brk := broker.New(audioCtx, broker.Config{
		Surface:        termSurface{},
		Guard:          broker.NewKeyGuard(),
		CheckoutOrigin: *checkoutFlag,
	})

	a := &app{brk: brk}
	a.pipe = pipeline.New(brk, audioCtx, func(pcm []byte) { a.engine.OnFrame(pcm) })

	client := backend.NewClient(*backendFlag, *tokenFlag)

	var stateMu sync.Mutex
	var lastState session.State
	onChange := func(s session.Snapshot) {
		stateMu.Lock()
		prev := lastState
		lastState = s.State
		stateMu.Unlock()
		if s.State != prev {
			switch {
			case s.State == session.StateListening && prev == session.StateGenerating:
				beep.PlayAnswer()
			case s.State == session.StateListening:
				beep.PlayStart()
			case s.State == session.StateTerminated && prev.Active():
				beep.PlayAlarm()
			}
		}
		sendTUI(SnapshotMsg(s))
	}

	a.engine = session.New(session.Config{
		Capture: a.pipe,
		Dial: func(ctx context.Context, resumeText, jobDescription string) (session.Stream, error) {
			s, err := transport.Dial(ctx, transport.Config{
				URL:            *wsFlag,
				Token:          *tokenFlag,
				ResumeText:     resumeText,
				JobDescription: jobDescription,
			})
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Backend:      client,
		Notifier:     &uiNotifier{brk: brk, billingURL: *billingFlag},
		Clipboard:    clipboard.Copy,
		BackendName:  *backendFlag,
		RestartDelay: 500 * time.Millisecond,
		OnChange:     onChange,
	})

	if *resumeFlag != "" {
		f, err := os.Open(*resumeFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		text, err := client.UploadResume(ctx, filepath.Base(*resumeFlag), f)
		cancel()
		f.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: resume upload failed: %v\n", err)
			os.Exit(1)
		}
		a.engine.SetResume(text)
	}
	if jd := *jobdescFlag; jd != "" {
		if strings.HasPrefix(jd, "@") {
			data, err := os.ReadFile(jd[1:])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			jd = string(data)
		}
		a.engine.SetJobDescription(jd)
	}

	headless := !*tuiFlag
	sig := make(chan os.Signal, 1)
	shutdown.Notify(sig)
	go func() {
		<-sig
		gracefulShutdown(a)
		if headless {
			os.Exit(0)
		}
	}()

	if *tuiFlag {
		p := NewTUIProgram(a)
		setTUIProgram(p)
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		setTUIProgram(nil)
		gracefulShutdown(a)
		return
	}

	// Headless: start immediately, run until signalled.
	if err := a.engine.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	select {}
}
