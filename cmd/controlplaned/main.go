// Command controlplaned wires the control plane's components against a
// MongoDB deployment and runs the supervisor's autonomic tick loop until
// interrupted. It follows the teacher's demo-binary idiom (a single
// linear main assembling one process's worth of dependencies by hand
// rather than a DI framework), generalized from a single-agent demo run
// to this module's ten-component control plane.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentctrl/controlplane/agent"
	agentmongo "github.com/agentctrl/controlplane/agent/mongo"
	"github.com/agentctrl/controlplane/budget"
	budgetmongo "github.com/agentctrl/controlplane/budget/mongo"
	"github.com/agentctrl/controlplane/config"
	"github.com/agentctrl/controlplane/eventbus"
	eventbusmongo "github.com/agentctrl/controlplane/eventbus/mongo"
	"github.com/agentctrl/controlplane/federation"
	federationmongo "github.com/agentctrl/controlplane/federation/mongo"
	"github.com/agentctrl/controlplane/session"
	sessionmongo "github.com/agentctrl/controlplane/session/mongo"
	"github.com/agentctrl/controlplane/supervisor"
	"github.com/agentctrl/controlplane/team"
	teammongo "github.com/agentctrl/controlplane/team/mongo"
	"github.com/agentctrl/controlplane/txn"
	txnmongo "github.com/agentctrl/controlplane/txn/mongo"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()

	uri := envOr("CONTROLPLANE_MONGO_URI", "mongodb://localhost:27017")
	database := envOr("CONTROLPLANE_MONGO_DATABASE", "controlplane")

	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		log.Fatalf("controlplaned: connect mongo: %v", err)
	}
	defer func() { _ = client.Disconnect(context.Background()) }()

	journal, err := eventbusmongo.New(eventbusmongo.Options{Client: client, Database: database})
	if err != nil {
		log.Fatalf("controlplaned: eventbus journal: %v", err)
	}
	bus := eventbus.New(journal, eventbus.WithDefaults(cfg))

	txnStore, err := txnmongo.New(txnmongo.Options{Client: client, Database: database})
	if err != nil {
		log.Fatalf("controlplaned: txn store: %v", err)
	}
	tx, err := txn.New(txnStore, txn.Options{
		DefaultIsolation: cfg.TransactionDefaultIsolation,
		DefaultTimeout:   cfg.TransactionDefaultTimeout,
		MaxRetries:       cfg.TransactionMaxRetries,
	})
	if err != nil {
		log.Fatalf("controlplaned: transaction manager: %v", err)
	}

	agentStore, err := agentmongo.New(agentmongo.Options{Client: client, Database: database})
	if err != nil {
		log.Fatalf("controlplaned: agent store: %v", err)
	}
	agents := agent.New(agentStore, tx, bus, cfg)

	teamStore, err := teammongo.New(teammongo.Options{Client: client, Database: database})
	if err != nil {
		log.Fatalf("controlplaned: team store: %v", err)
	}
	teams := team.New(teamStore, tx, bus, agents)

	budgetStore, err := budgetmongo.New(budgetmongo.Options{Client: client, Database: database})
	if err != nil {
		log.Fatalf("controlplaned: budget store: %v", err)
	}
	budgets := budget.New(budgetStore, tx, bus, cfg)

	clusterStore, err := federationmongo.NewClusterStore(federationmongo.Options{Client: client, Database: database})
	if err != nil {
		log.Fatalf("controlplaned: federation cluster store: %v", err)
	}
	affinityStore, err := federationmongo.NewAffinityStore(federationmongo.Options{Client: client, Database: database})
	if err != nil {
		log.Fatalf("controlplaned: federation affinity store: %v", err)
	}
	router := federation.New(clusterStore, affinityStore, bus, cfg)

	sessionStore, err := sessionmongo.New(sessionmongo.Options{Client: client, Database: database})
	if err != nil {
		log.Fatalf("controlplaned: session store: %v", err)
	}
	sessions := session.New(sessionStore, bus)

	sup := supervisor.New(logOnlyExecutor{}, bus, cfg)

	log.Printf("controlplaned: wired against database %q, tick interval %s", database, sup.TickInterval())
	_ = teams
	_ = budgets
	_ = router
	_ = sessions

	ticker := time.NewTicker(sup.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Print("controlplaned: shutting down")
			return
		case now := <-ticker.C:
			if _, err := sup.Tick(ctx, supervisor.Snapshot{Now: now}); err != nil {
				log.Printf("controlplaned: supervisor tick: %v", err)
			}
		}
	}
}

// logOnlyExecutor is the startup default for the supervisor's ActionExecutor
// seam until a deployment wires real scale/restart/rebalance handlers.
type logOnlyExecutor struct{}

func (logOnlyExecutor) Execute(ctx context.Context, action supervisor.Action) error {
	log.Printf("controlplaned: supervisor action %s target=%s", action.Kind, action.Target)
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
