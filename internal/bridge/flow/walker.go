package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/callbridge/internal/bridge/esl"
	"github.com/sebas/callbridge/internal/bridge/session"
)

// DefaultMaxRedirects bounds document replacements per leg.
const DefaultMaxRedirects = 10

// DefaultEventTimeout bounds the waits that expect an event shortly.
const DefaultEventTimeout = 30 * time.Second

// Metrics receives walker observations. Nil-safe through noopMetrics.
type Metrics interface {
	ElementExecuted(name string, err error)
	WalkFinished(reason string)
}

type noopMetrics struct{}

func (noopMetrics) ElementExecuted(string, error) {}
func (noopMetrics) WalkFinished(string)           {}

// Walker runs call-flow documents against legs.
type Walker struct {
	registry *Registry
	web      WebClient
	opts     Options
	metrics  Metrics
	logger   *slog.Logger
}

// WalkerConfig contains the walker's collaborators.
type WalkerConfig struct {
	Registry *Registry
	Web      WebClient
	Options  Options
	Metrics  Metrics
	Logger   *slog.Logger
}

// NewWalker creates a new walker.
func NewWalker(cfg WalkerConfig) *Walker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Options.MaxRedirects <= 0 {
		cfg.Options.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.Options.EventTimeout <= 0 {
		cfg.Options.EventTimeout = DefaultEventTimeout
	}
	if cfg.Options.DefaultMethod == "" {
		cfg.Options.DefaultMethod = "POST"
	}
	if cfg.Options.RecordPath == "" {
		cfg.Options.RecordPath = "/tmp"
	}
	if cfg.Options.TTSEngine == "" {
		cfg.Options.TTSEngine = "flite"
	}
	if cfg.Options.TTSVoice == "" {
		cfg.Options.TTSVoice = "slt"
	}
	return &Walker{
		registry: cfg.Registry,
		web:      cfg.Web,
		opts:     cfg.Options,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// Elements returns the names of the elements documents may use.
func (w *Walker) Elements() []string { return w.registry.Names() }

// NewCall builds the element handle for a leg.
func (w *Walker) NewCall(conn esl.Commander, sess *session.Session, core Registrar) *Call {
	return &Call{
		Session:  sess,
		Conn:     conn,
		Web:      w.web,
		Core:     core,
		Options:  w.opts,
		registry: w.registry,
		logger:   sess.Logger(),
	}
}

// Run fetches the leg's document and walks it until it ends, the leg hangs
// up, or a transfer takes over. A hangup is not an error. conn is the
// switch's command connection and stays open; the caller owns the leg's
// socket.
func (w *Walker) Run(ctx context.Context, conn esl.Commander, sess *session.Session, core Registrar) error {
	call := w.NewCall(conn, sess, core)
	log := sess.Logger()

	reason, err := w.walk(ctx, call)
	switch {
	case err == nil:
	case IsHangup(err):
		log.Debug("[Flow] Leg hung up during walk", "element", sess.CurrentElement())
		reason, err = "hangup", nil
	default:
		reason = "error"
		var elErr *ElementError
		if errors.As(err, &elErr) {
			log.Error("[Flow] Walk failed",
				"url", elErr.URL,
				"element", elErr.Element,
				"line", elErr.Line,
				"step", elErr.Step,
				"error", elErr.Cause,
			)
		} else {
			log.Error("[Flow] Walk failed", "url", sess.TargetURL(), "error", err)
		}
		if sess.HangupCause() == "" {
			if herr := call.Hangup(ctx, "NORMAL_TEMPORARY_FAILURE"); herr != nil {
				log.Warn("[Flow] Best-effort hangup failed", "error", herr)
			}
		}
	}

	w.metrics.WalkFinished(reason)
	log.Info("[Flow] Walk finished", "reason", reason, "elements", sess.Dispatches())
	return err
}

func (w *Walker) walk(ctx context.Context, call *Call) (string, error) {
	sess := call.Session
	target := Target{URL: sess.TargetURL(), Method: sess.TargetMethod()}
	if target.URL == "" {
		return "", fmt.Errorf("%w: no document URL", ErrMalformedDocument)
	}

	for redirects := 0; ; redirects++ {
		if redirects > w.opts.MaxRedirects {
			return "", fmt.Errorf("%w: %d", ErrTooManyRedirects, redirects-1)
		}
		sess.SetTargetURL(target.URL)

		sess.Logger().Info("[Flow] Fetching document", "url", target.URL, "method", call.method(target.Method))
		doc, err := call.Fetch(ctx, target)
		if err != nil {
			return "", err
		}

		out, err := w.execute(ctx, call, doc, target.URL)
		if err != nil {
			return "", err
		}
		if out.Redirect != nil {
			target = *out.Redirect
			continue
		}
		if out.Stop {
			if sess.TransferInProgress() {
				return "transfer", nil
			}
			return "stopped", nil
		}

		if sess.HangupCause() == "" {
			if err := call.Hangup(ctx, "NORMAL_CLEARING"); err != nil {
				return "", err
			}
		}
		return "completed", nil
	}
}

// execute walks the top-level elements of one document.
func (w *Walker) execute(ctx context.Context, call *Call, doc *Document, url string) (Outcome, error) {
	for i, node := range doc.Elements {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		out, err := call.dispatch(ctx, node)
		w.metrics.ElementExecuted(node.Name, err)
		if err != nil {
			return Outcome{}, &ElementError{
				URL:     url,
				Element: node.Name,
				Line:    node.Line,
				Step:    i + 1,
				Cause:   err,
			}
		}
		if out.Stop || out.Redirect != nil {
			return out, nil
		}
		if call.Session.TransferInProgress() {
			call.logger.Info("[Flow] Transfer in progress, leaving document", "element", node.Name)
			return Outcome{Stop: true}, nil
		}
	}
	return Outcome{}, nil
}
