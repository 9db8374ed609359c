package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/flowcore/flowcore/internal/agentconfig"
	"github.com/flowcore/flowcore/internal/bus"
	"github.com/flowcore/flowcore/internal/common/config"
	"github.com/flowcore/flowcore/internal/common/logger"
	"github.com/flowcore/flowcore/internal/handler"
	"github.com/flowcore/flowcore/internal/router"
	"github.com/flowcore/flowcore/internal/session"
	"github.com/flowcore/flowcore/internal/toolserver"
	"github.com/flowcore/flowcore/internal/transport"
)

// app bundles every long-lived collaborator the router dispatches into.
type app struct {
	catalog     *agentconfig.Catalog
	toolServers *toolserver.Registry
	router      *router.Router
}

// wireApp constructs every component (C2-C10) and binds one router route per
// catalog command, plus the incomplete and end-node sinks. The returned
// close func releases the event bus connection; ctx is neither used nor
// retained.
func wireApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, func(), error) {
	eventBus, topics, closeBus, err := bus.Provide(cfg, log.Named("bus"))
	if err != nil {
		return nil, nil, fmt.Errorf("provision event bus: %w", err)
	}

	catalog := agentconfig.NewCatalog(log.Named("agentconfig"))
	if err := catalog.LoadFile(cfg.AgentCatalog.Path); err != nil {
		_ = closeBus()
		return nil, nil, fmt.Errorf("load command catalog: %w", err)
	}

	toolServers := toolserver.NewRegistry(cfg.ToolServer, log.Named("toolserver"))
	for _, name := range catalog.Names() {
		cmd, _ := catalog.Lookup(name)
		for serverName, desc := range cmd.ToolServers {
			desc.Name = serverName
			toolServers.Declare(desc)
		}
	}

	handlers := handler.NewRegistry()
	for _, name := range catalog.Names() {
		cmd, _ := catalog.Lookup(name)
		if cmd.NextCommand != "" {
			handlers.Register(name, &handler.DefaultHandler{NextCommand: cmd.NextCommand})
		} else {
			handlers.Register(name, handler.EndNodeHandler{})
		}
	}

	rt := router.New(catalog, eventBus, topics, log)

	sessionCfg := session.Config{
		ReadyTimeout:    cfg.Transport.ReadyTimeout(),
		ToolCallTimeout: cfg.ToolServer.RequestTimeout(),
		MaxWireBytes:    100 * 1024 * 1024,
	}
	transportCfg := transport.ConfigFromTransportConfig(cfg.Transport, cfg.Transport.AuthToken)
	buildURL := transport.BuildURL(cfg.Transport.ServerURL)

	for _, name := range catalog.Names() {
		commandName := name
		rt.Register(commandName, func() router.MessageService {
			sessionLog := log.Named("session").WithCommand(commandName)
			peer := transport.New(transportCfg, buildURL, sessionLog.Named("transport"))
			deps := session.Deps{
				Transport: peer,
				Tools:     toolServers,
				Handlers:  handlers,
				Bus:       eventBus,
				Topics:    topics,
				Log:       sessionLog,
			}
			return session.NewService(sessionCfg, deps)
		})
	}

	rt.RegisterIncompleteSink(router.NewAuditSink("incomplete", eventBus, topics, log).Factory())
	rt.RegisterEndNodeSink(router.NewAuditSink("end_node", eventBus, topics, log).Factory())

	log.Debug("wired application", zap.Int("commands", len(catalog.Names())))

	application := &app{catalog: catalog, toolServers: toolServers, router: rt}
	closeFn := func() {
		if err := closeBus(); err != nil {
			log.Error("event bus close error", zap.Error(err))
		}
	}
	return application, closeFn, nil
}
