// Command pipelinectl is a small operator CLI for inspecting and nudging a
// running pipeline's state, folded in from the teacher's cmd/tools/* family
// of small maintenance binaries (e.g. backfill_ring_elevations): one
// subcommand per task, each opening only the sqlite databases it needs.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dsa110/contimg/internal/db"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/queue"
	"github.com/dsa110/contimg/internal/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "pipelinectl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: pipelinectl <queue-stats|list|requeue|inspect|version> [flags]")
	}
	switch args[0] {
	case "version":
		fmt.Println(version.String())
		return nil
	case "queue-stats":
		return runQueueStats(args[1:])
	case "list":
		return runList(args[1:])
	case "requeue":
		return runRequeue(args[1:])
	case "inspect":
		return runInspect(args[1:])
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

// queueFlags registers the db-path flags every queue-backed subcommand
// shares, so each subcommand's FlagSet only needs to add its own.
type queueFlags struct {
	queueDB     *string
	fileIndexDB *string
	expectedSB  *int
}

func addQueueFlags(fs *flag.FlagSet) queueFlags {
	return queueFlags{
		queueDB:     fs.String("queue-db", "queue.db", "path to the observation queue sqlite database"),
		fileIndexDB: fs.String("fileindex-db", "fileindex.db", "path to the file index sqlite database"),
		expectedSB:  fs.Int("expected-subbands", 16, "expected subband count per observation group"),
	}
}

func (qf queueFlags) open() (*queue.Manager, func(), error) {
	queueConn, err := db.Open(db.KindQueue, *qf.queueDB)
	if err != nil {
		return nil, nil, fmt.Errorf("open queue db: %w", err)
	}
	fileIndexConn, err := db.Open(db.KindFileIndex, *qf.fileIndexDB)
	if err != nil {
		queueConn.Close()
		return nil, nil, fmt.Errorf("open file index db: %w", err)
	}
	mgr := queue.NewManager(db.NewQueueStore(queueConn), db.NewFileIndexStore(fileIndexConn), *qf.expectedSB)
	closeFn := func() {
		queueConn.Close()
		fileIndexConn.Close()
	}
	return mgr, closeFn, nil
}

func runQueueStats(args []string) error {
	fs := flag.NewFlagSet("queue-stats", flag.ExitOnError)
	qf := addQueueFlags(fs)
	staleAfterMin := fs.Int("stale-after-min", 30, "minutes after which an in_progress group is reported stuck")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mgr, closeFn, err := qf.open()
	if err != nil {
		return err
	}
	defer closeFn()

	stats, err := mgr.Stats(time.Now(), time.Duration(*staleAfterMin)*time.Minute)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	fmt.Printf("oldest pending age: %s\n", stats.OldestPendingAge.Round(time.Second))
	fmt.Printf("stuck in_progress (> %dm): %d\n", *staleAfterMin, stats.StuckInProgress)
	for _, state := range []model.GroupState{
		model.GroupCollecting, model.GroupPending, model.GroupInProgress, model.GroupCompleted, model.GroupFailed,
	} {
		fmt.Printf("%-12s %d\n", state, stats.CountsByState[state])
	}
	return nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	qf := addQueueFlags(fs)
	state := fs.String("state", string(model.GroupFailed), "group state to list (collecting, pending, in_progress, completed, failed)")
	limit := fs.Int("limit", 50, "maximum rows to list, 0 for unlimited")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mgr, closeFn, err := qf.open()
	if err != nil {
		return err
	}
	defer closeFn()

	groups, err := mgr.ListGroups(model.GroupState(*state), *limit)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	if len(groups) == 0 {
		fmt.Println("no groups in that state")
		return nil
	}
	for _, g := range groups {
		fmt.Printf("%s\t%s\treceived=%s\tretries=%d\terror=%q\n",
			g.GroupID, g.State, g.ReceivedAt.Format(time.RFC3339), g.RetryCount, g.Error)
	}
	return nil
}

func runRequeue(args []string) error {
	fs := flag.NewFlagSet("requeue", flag.ExitOnError)
	qf := addQueueFlags(fs)
	groupID := fs.String("group-id", "", "failed group to return to pending")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *groupID == "" {
		return fmt.Errorf("-group-id is required")
	}
	mgr, closeFn, err := qf.open()
	if err != nil {
		return err
	}
	defer closeFn()

	if err := mgr.Retry(*groupID, time.Now()); err != nil {
		return fmt.Errorf("requeue %s: %w", *groupID, err)
	}
	fmt.Printf("requeued %s\n", *groupID)
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataRegDB := fs.String("data-registry-db", "data_registry.db", "path to the published-data registry sqlite database")
	dataID := fs.String("data-id", "", "data_id of the record to inspect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataID == "" {
		return fmt.Errorf("-data-id is required")
	}

	conn, err := db.Open(db.KindDataRegistry, *dataRegDB)
	if err != nil {
		return fmt.Errorf("open data registry db: %w", err)
	}
	defer conn.Close()

	rec, err := db.NewDataRegistryStore(conn).Get(*dataID)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", *dataID, err)
	}
	fmt.Printf("data_id:        %s\n", rec.DataID)
	fmt.Printf("data_type:      %s\n", rec.DataType)
	fmt.Printf("status:         %s\n", rec.Status)
	fmt.Printf("base_path:      %s\n", rec.BasePath)
	fmt.Printf("stage_path:     %s\n", rec.StagePath)
	fmt.Printf("published_path: %s\n", rec.PublishedPath)
	fmt.Printf("qa_status:      %s\n", rec.QAStatus)
	fmt.Printf("validation:     %s\n", rec.ValidationStatus)
	fmt.Printf("finalization:   %s\n", rec.FinalizationStatus)
	fmt.Printf("created_at:     %s\n", rec.CreatedAt.Format(time.RFC3339))
	if rec.PublishedAt != nil {
		fmt.Printf("published_at:   %s\n", rec.PublishedAt.Format(time.RFC3339))
	}
	return nil
}
