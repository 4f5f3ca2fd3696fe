package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/jobfabric/pkg/api"
	"github.com/cuemby/jobfabric/pkg/clock"
	"github.com/cuemby/jobfabric/pkg/cluster"
	"github.com/cuemby/jobfabric/pkg/docprocess"
	"github.com/cuemby/jobfabric/pkg/events"
	"github.com/cuemby/jobfabric/pkg/log"
	"github.com/cuemby/jobfabric/pkg/metrics"
	"github.com/cuemby/jobfabric/pkg/quota"
	"github.com/cuemby/jobfabric/pkg/store"
	"github.com/cuemby/jobfabric/pkg/streaming"
	"github.com/cuemby/jobfabric/pkg/worker"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "jobfabric",
	Short: "jobfabric - multi-tenant document processing job fabric",
	Long: `jobfabric admits, queues, and runs tenant document-processing jobs
across priority lanes, autoscaling worker pools to the backlog and
recovering from stalled or crashed workers without operator intervention.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"jobfabric version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("endpoint", "http://127.0.0.1:8080", "Control surface base URL")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(scaleCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(shutdownCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// serve

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job fabric control surface and worker pools",
	Long: `Start the Cluster Controller, its Control Surface, and the event
stream, admitting submissions until an OS interrupt or the Control
Surface's /shutdown endpoint requests a graceful drain.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		memStore, _ := cmd.Flags().GetBool("mem-store")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
		containerdImage, _ := cmd.Flags().GetString("containerd-image")
		useContainerd, _ := cmd.Flags().GetBool("use-containerd")
		unlimitedTenants, _ := cmd.Flags().GetStringSlice("unlimited-tenant")
		configPath, _ := cmd.Flags().GetString("config")

		if useContainerd && containerdImage == "" {
			return fmt.Errorf("--containerd-image is required with --use-containerd")
		}

		clusterCfg := cluster.DefaultConfig()
		if configPath != "" {
			cfg, err := loadClusterConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config %s: %w", configPath, err)
			}
			clusterCfg = cfg
			fmt.Printf("  Config: %s\n", configPath)
		}

		fmt.Println("Starting job fabric...")
		fmt.Printf("  Control Surface: %s\n", apiAddr)

		metrics.SetVersion(Version)
		metrics.RegisterComponent("api", false, "initializing")
		metrics.RegisterComponent("store", false, "initializing")
		if useContainerd {
			metrics.RegisterComponent("containerd", false, "initializing")
		}

		var st store.Store
		if memStore {
			st = store.NewMemStore()
			fmt.Println("  Store: in-memory (not durable)")
		} else {
			fmt.Printf("  Data Directory: %s\n", dataDir)
			boltStore, err := store.NewBoltStore(dataDir)
			if err != nil {
				return fmt.Errorf("failed to open job store: %w", err)
			}
			defer boltStore.Close()
			st = boltStore
			fmt.Println("  Store: BoltDB")
		}
		metrics.RegisterComponent("store", true, "ready")

		qt := quota.NewInMemory()
		for _, tenantID := range unlimitedTenants {
			qt.SetTenant(tenantID, 0, true)
		}

		sink := events.NewBroker()
		sink.Start()
		defer sink.Stop()

		proc := worker.ProcessFunc((&docprocess.NullRuntime{}).Process)
		if useContainerd {
			runtime, err := docprocess.NewRuntime(docprocess.Config{
				SocketPath: containerdSocket,
				Image:      containerdImage,
			})
			if err != nil {
				return fmt.Errorf("failed to connect to containerd: %w", err)
			}
			defer runtime.Close()
			proc = runtime.Process
			metrics.RegisterComponent("containerd", true, "connected")
			fmt.Printf("  Sandbox: containerd (%s, image %s)\n", containerdSocket, containerdImage)
		} else {
			fmt.Println("  Sandbox: null runtime (no containers)")
		}

		ctrl := cluster.New(clusterCfg, st, qt, sink, clock.New(), proc)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := ctrl.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cluster controller: %w", err)
		}
		fmt.Println("✓ Cluster controller started")

		eventServer := streaming.NewEventServer(sink)
		apiServer := api.NewServer(ctrl, eventServer)

		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(apiAddr); err != nil {
				errCh <- fmt.Errorf("control surface error: %w", err)
			}
		}()
		metrics.RegisterComponent("api", true, "ready")
		fmt.Printf("✓ Control surface listening on %s\n", apiAddr)
		fmt.Println()
		fmt.Println("Job fabric is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\n%v\n", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "control surface shutdown error: %v\n", err)
		}

		residual := ctrl.Shutdown(30 * time.Second)
		fmt.Printf("✓ Shutdown complete (%d workers still held a job)\n", residual)
		return nil
	},
}

// loadClusterConfig reads a YAML file of cluster.Config overrides, starting
// from the spec's stated defaults so an operator only names the fields they
// want to change.
func loadClusterConfig(path string) (cluster.Config, error) {
	cfg := cluster.DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML file of cluster.Config overrides (defaults apply to any field left unset)")
	serveCmd.Flags().String("data-dir", "./jobfabric-data", "Data directory for the job store")
	serveCmd.Flags().Bool("mem-store", false, "Use an in-memory job store instead of BoltDB (not durable, for testing)")
	serveCmd.Flags().String("api-addr", "127.0.0.1:8080", "Address for the HTTP control surface")
	serveCmd.Flags().Bool("use-containerd", false, "Process jobs in containerd-sandboxed containers instead of the null runtime")
	serveCmd.Flags().String("containerd-socket", docprocess.DefaultSocketPath, "containerd socket path")
	serveCmd.Flags().String("containerd-image", "", "OCI image reference to run for each job (required with --use-containerd)")
	serveCmd.Flags().StringSlice("unlimited-tenant", []string{}, "Tenant IDs to provision with unlimited page quota at startup")
}

// client-side wire types mirroring the control surface's JSON bodies.

type submitRequest struct {
	TenantID      string `json:"tenant_id"`
	FileRef       string `json:"file_ref"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	Plan          string `json:"plan"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type jobView struct {
	JobID       string    `json:"job_id"`
	TenantID    string    `json:"tenant_id"`
	Lane        string    `json:"lane"`
	State       string    `json:"state"`
	Attempts    int       `json:"attempts"`
	WorkerID    string    `json:"worker_id,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	ResultRef   string    `json:"result_ref,omitempty"`
}

type clusterResponse struct {
	WorkersPerLane map[string]int `json:"workers_per_lane"`
	WaitingPerLane map[string]int `json:"waiting_per_lane"`
	Paused         bool           `json:"paused"`
	MemPct         float64        `json:"mem_pct"`
}

type scaleRequest struct {
	Target int `json:"target"`
}

type shutdownRequest struct {
	DeadlineMs int64 `json:"deadline_ms"`
}

type shutdownResponse struct {
	ResidualInFlight int `json:"residual_in_flight"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func doJSON(method, url string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	if resp.StatusCode >= 300 {
		var errResp errorResponse
		if err := dec.Decode(&errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, errResp.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return dec.Decode(out)
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a document processing job",
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := rootCmd.PersistentFlags().GetString("endpoint")
		tenantID, _ := cmd.Flags().GetString("tenant")
		fileRef, _ := cmd.Flags().GetString("file-ref")
		fileSize, _ := cmd.Flags().GetInt64("file-size")
		plan, _ := cmd.Flags().GetString("plan")

		var resp submitResponse
		err := doJSON(http.MethodPost, endpoint+"/jobs", submitRequest{
			TenantID:      tenantID,
			FileRef:       fileRef,
			FileSizeBytes: fileSize,
			Plan:          plan,
		}, &resp)
		if err != nil {
			return fmt.Errorf("failed to submit job: %w", err)
		}

		fmt.Printf("✓ Job submitted: %s\n", resp.JobID)
		return nil
	},
}

func init() {
	submitCmd.Flags().String("tenant", "", "Tenant ID (required)")
	submitCmd.Flags().String("file-ref", "", "Reference to the input file (required)")
	submitCmd.Flags().Int64("file-size", 0, "File size in bytes")
	submitCmd.Flags().String("plan", "free", "Tenant plan (free, basic, pro, enterprise, unlimited)")
	submitCmd.MarkFlagRequired("tenant")
	submitCmd.MarkFlagRequired("file-ref")
}

var statusCmd = &cobra.Command{
	Use:   "status JOB_ID",
	Short: "Show a job's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := rootCmd.PersistentFlags().GetString("endpoint")
		jobID := args[0]

		var view jobView
		if err := doJSON(http.MethodGet, endpoint+"/jobs/"+jobID, nil, &view); err != nil {
			return fmt.Errorf("failed to get job status: %w", err)
		}

		fmt.Printf("Job: %s\n", view.JobID)
		fmt.Printf("  Tenant:    %s\n", view.TenantID)
		fmt.Printf("  Lane:      %s\n", view.Lane)
		fmt.Printf("  State:     %s\n", view.State)
		fmt.Printf("  Attempts:  %d\n", view.Attempts)
		if view.WorkerID != "" {
			fmt.Printf("  Worker:    %s\n", view.WorkerID)
		}
		fmt.Printf("  Submitted: %s\n", view.SubmittedAt.Format(time.RFC3339))
		if view.LastError != "" {
			fmt.Printf("  Last Error: %s\n", view.LastError)
		}
		if view.ResultRef != "" {
			fmt.Printf("  Result:    %s\n", view.ResultRef)
		}
		return nil
	},
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Show cluster-wide worker and queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := rootCmd.PersistentFlags().GetString("endpoint")

		var view clusterResponse
		if err := doJSON(http.MethodGet, endpoint+"/cluster", nil, &view); err != nil {
			return fmt.Errorf("failed to get cluster state: %w", err)
		}

		fmt.Printf("Paused:  %v\n", view.Paused)
		fmt.Printf("Mem Use: %.1f%%\n", view.MemPct*100)
		fmt.Printf("\n%-10s %-10s %-10s\n", "LANE", "WORKERS", "WAITING")
		for lane, workers := range view.WorkersPerLane {
			fmt.Printf("%-10s %-10d %-10d\n", lane, workers, view.WaitingPerLane[lane])
		}
		return nil
	},
}

var scaleCmd = &cobra.Command{
	Use:   "scale TARGET",
	Short: "Set the total worker count target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := rootCmd.PersistentFlags().GetString("endpoint")

		var target int
		if _, err := fmt.Sscanf(args[0], "%d", &target); err != nil {
			return fmt.Errorf("invalid target %q: %w", args[0], err)
		}

		if err := doJSON(http.MethodPost, endpoint+"/scale", scaleRequest{Target: target}, nil); err != nil {
			return fmt.Errorf("failed to scale: %w", err)
		}

		fmt.Printf("✓ Scale request accepted: target=%d\n", target)
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Request a graceful drain of the running fabric",
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := rootCmd.PersistentFlags().GetString("endpoint")
		deadline, _ := cmd.Flags().GetDuration("deadline")

		var resp shutdownResponse
		err := doJSON(http.MethodPost, endpoint+"/shutdown", shutdownRequest{
			DeadlineMs: deadline.Milliseconds(),
		}, &resp)
		if err != nil {
			return fmt.Errorf("failed to request shutdown: %w", err)
		}

		fmt.Printf("✓ Shutdown complete: %d workers still held a job\n", resp.ResidualInFlight)
		return nil
	},
}

func init() {
	shutdownCmd.Flags().Duration("deadline", 30*time.Second, "Grace period before remaining workers are force-stopped")
}
