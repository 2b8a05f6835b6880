package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"provbus/internal/consumer"
	"provbus/internal/dispatch"
	"provbus/internal/mq"
	"provbus/internal/prefill"
	"provbus/internal/registry"
	"provbus/internal/udm"
)

// Run wires up and supervises all components of one process: the dispatcher,
// the pre-fill controller and the HTTP façade, each on its own queue
// connection with its own credentials. It blocks until ctx is cancelled or a
// component fails.
func Run(ctx context.Context, cfg *Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var embeddedErr <-chan error
	if cfg.Embedded {
		nc, ns, errCh, err := RunEmbeddedServer(ctx, *cfg.NatsCfg)
		if err != nil {
			return fmt.Errorf("start embedded server: %w", err)
		}
		defer ns.Shutdown()
		defer nc.Close()
		cfg.NatsURL = ns.ClientURL()
		embeddedErr = errCh
		slog.Info("Embedded NATS server running", "url", cfg.NatsURL)
	}

	apiMQ, err := mq.Connect(ctx, cfg.MQConfig("provbus-api", cfg.APICreds))
	if err != nil {
		return err
	}
	defer apiMQ.Close()
	eventsMQ, err := mq.Connect(ctx, cfg.MQConfig("provbus-events", cfg.EventsCreds))
	if err != nil {
		return err
	}
	defer eventsMQ.Close()
	dispatchMQ, err := mq.Connect(ctx, cfg.MQConfig("provbus-dispatcher", cfg.DispatcherCreds))
	if err != nil {
		return err
	}
	defer dispatchMQ.Close()
	prefillMQ, err := mq.Connect(ctx, cfg.MQConfig("provbus-prefill", cfg.PrefillCreds))
	if err != nil {
		return err
	}
	defer prefillMQ.Close()

	// The shared streams must exist before the first publisher shows up.
	if err := eventsMQ.EnsureStream(ctx, mq.IncomingStream, mq.IncomingSubject); err != nil {
		return err
	}
	if err := apiMQ.EnsureStream(ctx, mq.PrefillJobsStream, mq.PrefillJobsSubject); err != nil {
		return err
	}

	apiKV, err := mq.OpenKV(ctx, apiMQ, cfg.KVBucket)
	if err != nil {
		return err
	}
	dispatchKV, err := mq.OpenKV(ctx, dispatchMQ, cfg.KVBucket)
	if err != nil {
		return err
	}
	prefillKV, err := mq.OpenKV(ctx, prefillMQ, cfg.KVBucket)
	if err != nil {
		return err
	}

	reg := registry.New(apiKV, apiMQ)
	svc := consumer.NewService(apiMQ, reg)
	api := NewAPI(reg, svc, eventsMQ, cfg.AdminCreds, cfg.IngressAuth)

	dispatcher := dispatch.New(dispatchMQ, dispatchKV, registry.New(dispatchKV, dispatchMQ))
	dispatcher.RescanInterval = cfg.RescanInterval

	controller := prefill.New(prefillMQ, registry.New(prefillKV, prefillMQ), udm.NewClient(cfg.UDM))

	compErr := make(chan error, 2)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			compErr <- fmt.Errorf("dispatcher: %w", err)
		}
	}()
	go func() {
		if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			compErr <- fmt.Errorf("prefill controller: %w", err)
		}
	}()

	httpErr := RunHTTPServer(ctx, *cfg.HTTPSrvCfg, api.Router())
	slog.Info("HTTP server listening", "addr", cfg.HTTPSrvCfg.Addr)

	select {
	case <-ctx.Done():
		<-httpErr
		return nil
	case err := <-compErr:
		return err
	case err := <-httpErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case err := <-embeddedErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}
