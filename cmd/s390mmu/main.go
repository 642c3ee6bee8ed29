package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/s390mmu/internal/hv/s390x"
	"github.com/tinyrange/s390mmu/internal/hv/s390x/dat"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "s390mmu: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Machine config (YAML)")
	backend := flag.String("backend", "", "Override the key/attribute backend (auto, software, kvm)")
	memory := flag.Uint64("memory", 0, "Override memory size in MB")
	image := flag.String("image", "", "Raw storage image loaded at absolute address 0")
	keysIn := flag.String("keys", "", "Storage-key stream to load before running the command")
	attrsIn := flag.String("attrs", "", "Storage-attribute stream to load before running the command")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Inspect s390x guest storage, storage keys and storage attributes.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  translate [-intent read|write|fetch|real] [-asce hex] addr...\n")
		fmt.Fprintf(os.Stderr, "  dump-keys\n")
		fmt.Fprintf(os.Stderr, "  dump-attrs [start [count]]\n")
		fmt.Fprintf(os.Stderr, "  save-keys <file>\n")
		fmt.Fprintf(os.Stderr, "  save-attrs <file>\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return fmt.Errorf("command required")
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg s390x.Config
	if *configPath != "" {
		var err error
		cfg, err = s390x.LoadConfig(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *memory != 0 {
		cfg.MemorySize = *memory << 20
	}

	m, err := s390x.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	defer m.Close()

	if *image != "" {
		if err := loadImage(m, *image); err != nil {
			return err
		}
	}
	if *keysIn != "" {
		if err := loadStream(*keysIn, m.LoadKeys); err != nil {
			return fmt.Errorf("load keys: %w", err)
		}
	}
	if *attrsIn != "" {
		if err := loadStream(*attrsIn, m.LoadAttributes); err != nil {
			return fmt.Errorf("load attributes: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "translate":
		return runTranslate(m, rest)
	case "dump-keys":
		return m.DumpKeys(os.Stdout)
	case "dump-attrs":
		return runDumpAttrs(m, rest)
	case "save-keys":
		if len(rest) != 1 {
			return fmt.Errorf("save-keys: output file required")
		}
		return saveStream(ctx, rest[0], "save keys", func(_ context.Context, w io.Writer) error {
			return m.SaveKeys(w)
		})
	case "save-attrs":
		if len(rest) != 1 {
			return fmt.Errorf("save-attrs: output file required")
		}
		return saveStream(ctx, rest[0], "save attributes", func(ctx context.Context, w io.Writer) error {
			return saveAttributes(ctx, m, w)
		})
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func loadImage(m *s390x.Machine, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}
	if uint64(info.Size()) > m.Storage().Size() {
		return fmt.Errorf("image %s (%d bytes) larger than storage", path, info.Size())
	}
	if _, err := io.ReadFull(f, m.Storage().Bytes()[:info.Size()]); err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	slog.Debug("s390mmu: loaded image", "path", path, "size", info.Size())
	return nil
}

func loadStream(path string, load func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return load(f)
}

func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return v, nil
}

func parseIntent(s string) (dat.Intent, error) {
	switch s {
	case "read":
		return dat.IntentRead, nil
	case "write":
		return dat.IntentWrite, nil
	case "fetch":
		return dat.IntentFetch, nil
	case "real":
		return dat.IntentRealQuery, nil
	default:
		return 0, fmt.Errorf("unknown intent %q", s)
	}
}

func runTranslate(m *s390x.Machine, args []string) error {
	fs := flag.NewFlagSet("translate", flag.ContinueOnError)
	intentName := fs.String("intent", "read", "Access intent (read, write, fetch, real)")
	asceFlag := fs.String("asce", "", "Translate through this ASCE instead of the control registers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("translate: address required")
	}

	intent, err := parseIntent(*intentName)
	if err != nil {
		return err
	}

	var asce *dat.ASCE
	if *asceFlag != "" {
		v, err := parseAddr(*asceFlag)
		if err != nil {
			return err
		}
		a := dat.ASCE(v)
		asce = &a
	}

	tr := m.Translator()
	for _, s := range fs.Args() {
		addr, err := parseAddr(s)
		if err != nil {
			return err
		}

		req := dat.Request{Addr: addr, Intent: intent, Selector: m.Controls().Selector()}
		var res dat.Result
		if asce != nil {
			res, err = tr.TranslateASCE(req, *asce)
		} else {
			res, err = tr.Translate(req)
		}

		var fault *dat.Fault
		switch {
		case errors.As(err, &fault):
			fmt.Printf("%#016x: %v\n", addr, fault)
		case err != nil:
			return fmt.Errorf("translate %#x: %w", addr, err)
		default:
			hint := ""
			if res.WriteInvalidate {
				hint = " write-invalidate"
			}
			fmt.Printf("%#016x -> %#016x %s%s\n", addr, res.Absolute, res.Perms, hint)
		}
	}
	return nil
}

func runDumpAttrs(m *s390x.Machine, args []string) error {
	start, count := uint64(0), m.Pages()
	if len(args) > 0 {
		v, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		start = v
		count = m.Pages() - min(start, m.Pages())
	}
	if len(args) > 1 {
		v, err := parseAddr(args[1])
		if err != nil {
			return err
		}
		count = v
	}
	return m.DumpAttributes(os.Stdout, start, count)
}

// saveAttributes runs the iterative protocol so the configured rate limit
// applies, then completes the stream.
func saveAttributes(ctx context.Context, m *s390x.Machine, w io.Writer) error {
	saver := m.NewAttributeSaver(w)
	defer saver.Cleanup()

	if err := saver.Setup(); err != nil {
		return err
	}
	for {
		done, err := saver.Iterate(ctx)
		if err != nil {
			return err
		}
		slog.Debug("s390mmu: attribute pass", "sent", saver.Sent(), "pending", saver.Pending())
		if done {
			break
		}
	}
	return saver.Complete()
}

// saveStream runs produce into path through a pipe, so that writing the file
// and reporting progress happen alongside the producer.
func saveStream(ctx context.Context, path, title string, produce func(context.Context, io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	var out io.Writer = f
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(-1, title)
		defer bar.Close()
		out = io.MultiWriter(f, bar)
	}

	pr, pw := io.Pipe()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := produce(ctx, pw)
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(out, pr)
		pr.CloseWithError(err)
		return err
	})

	if err := g.Wait(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
