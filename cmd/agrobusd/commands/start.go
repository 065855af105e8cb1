package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/robolibs/agrobus/internal/logger"
	"github.com/robolibs/agrobus/internal/network"
	"github.com/robolibs/agrobus/internal/nmea"
	"github.com/robolibs/agrobus/internal/tc"
	"github.com/robolibs/agrobus/pkg/config"
	"github.com/robolibs/agrobus/pkg/ddop"
	"github.com/robolibs/agrobus/pkg/endpoint"
	"github.com/robolibs/agrobus/pkg/metrics"
	"github.com/robolibs/agrobus/pkg/name"
)

const tickMS = 10

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the stack on a virtual bus simulation",
	Long: `Start brings up the full stack on an in-memory virtual CAN segment:
a task controller server ECU and an implement ECU with a small sprayer pool
claim addresses, connect, and exchange process data. The diagnostics HTTP
listener (when enabled) serves /metrics, /healthz and /controlfunctions.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config(cfg.Logging)); err != nil {
		return err
	}

	newManager := func() *network.Manager {
		m := network.NewManager(network.Config{
			NumPorts:             cfg.Network.NumPorts,
			EnableBusLoad:        cfg.Network.EnableBusLoad,
			MaxTxSessionsPerPort: cfg.Network.MaxTxSessionsPerPort,
			RxBatchPerUpdate:     cfg.Network.RxBatchPerUpdate,
		})
		nmea.RegisterFastPacketPGNs(m)
		return m
	}

	// Two independent stacks share one virtual segment: the task controller
	// ECU and the implement ECU, each behind its own bus tap.
	bus := endpoint.NewVirtualBus()
	srvMgr := newManager()
	implMgr := newManager()
	if err := srvMgr.SetEndpoint(0, bus.Tap()); err != nil {
		return err
	}
	if err := implMgr.SetEndpoint(0, bus.Tap()); err != nil {
		return err
	}

	serverCF, err := srvMgr.CreateInternal(
		name.Name(0).
			WithIdentityNumber(100).
			WithManufacturerCode(1407).
			WithFunctionCode(130). // task controller
			WithIndustryGroup(2).
			WithSelfConfigurable(true),
		0, 0x26)
	if err != nil {
		return err
	}
	clientCF, err := implMgr.CreateInternal(
		name.Name(0).
			WithIdentityNumber(200).
			WithManufacturerCode(1407).
			WithFunctionCode(128). // sprayer
			WithIndustryGroup(2).
			WithSelfConfigurable(true),
		0, 0x80)
	if err != nil {
		return err
	}

	server := tc.NewServer(srvMgr, serverCF, tc.ServerConfig{
		TCNumber:         cfg.TCServer.TCNumber,
		TCVersion:        cfg.TCServer.TCVersion,
		NumBooms:         cfg.TCServer.NumBooms,
		NumSections:      cfg.TCServer.NumSections,
		NumChannels:      cfg.TCServer.NumChannels,
		Options:          tc.ServerOptions(cfg.TCServer.OptionBits()),
		StatusIntervalMS: cfg.TCServer.StatusIntervalMS,
	})
	server.Start()

	client := tc.NewClient(implMgr, clientCF, sprayerPool(), tc.ClientConfig{
		TimeoutMS:        cfg.TCClient.TimeoutMS,
		RetryOnPoolError: cfg.TCClient.RetryOnPoolError,
		BootDelayMS:      cfg.TCClient.BootDelayMS,
	})
	workState := int32(0)
	client.ValueRequest = func(element ddop.ElementNumber, d ddop.DDI) (int32, error) {
		if d == ddop.DDIActualWorkState {
			return workState, nil
		}
		return 0, fmt.Errorf("no value for DDI 0x%04X", d)
	}
	client.ValueCommand = func(element ddop.ElementNumber, d ddop.DDI, value int32) error {
		if d == ddop.DDISetpointWorkState {
			workState = value
			return nil
		}
		return fmt.Errorf("uncontrolled DDI 0x%04X", d)
	}
	clientCF.OnClaimSucceeded = func(addr uint8) {
		if err := client.Connect(); err != nil {
			logger.Warn("client connect failed", logger.Err(err))
		}
	}

	srvMgr.EnableHeartbeat(serverCF, 100)

	var httpServer *http.Server
	if cfg.Metrics.Enabled {
		httpServer = startDiagnostics(cfg.Metrics.Listen, implMgr)
	}

	logger.Info("agrobusd started", "ports", cfg.Network.NumPorts)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(tickMS * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bus.AdvanceTime(tickMS * 1000)
			srvMgr.Update(tickMS)
			implMgr.Update(tickMS)
			server.Update(tickMS)
			client.Update(tickMS)
		case <-stop:
			logger.Info("shutting down")
			client.Disconnect()
			server.Stop()
			if httpServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				_ = httpServer.Shutdown(ctx)
				cancel()
			}
			return nil
		}
	}
}

// sprayerPool builds the demo implement description: a Sprayer device
// element with one Boom function element carrying an application rate with
// an L/ha presentation, the actual work state and a working width property.
func sprayerPool() *ddop.Pool {
	pool := ddop.New()
	dev := pool.AddDevice(ddop.Device{}.
		WithDesignator("Sprayer").
		WithSoftwareVersion(Version).
		WithSerialNumber("AGB-0001"))
	pres := pool.AddPresentation(ddop.ValuePresentation{}.
		WithScale(0.01).WithDecimals(2).WithUnit("L/ha"))
	rate := pool.AddProcessData(ddop.ProcessData{}.
		WithDDI(ddop.DDIActualVolumePerAreaRate).
		WithTrigger(ddop.TriggerOnChange).
		WithPresentation(pres).
		WithDesignator("Rate"))
	work := pool.AddProcessData(ddop.ProcessData{}.
		WithDDI(ddop.DDIActualWorkState).
		WithTrigger(ddop.TriggerOnChange).
		WithDesignator("Work State"))
	width := pool.AddProperty(ddop.Property{}.
		WithDDI(ddop.DDIActualWorkingWidth).
		WithValue(24000).
		WithDesignator("Width"))
	boom := pool.AddElement(ddop.DeviceElement{}.
		WithType(ddop.ElementFunction).
		WithNumber(1).
		WithParent(dev).
		WithDesignator("Boom").
		WithChild(rate).WithChild(work).WithChild(width))
	pool.AddElement(ddop.DeviceElement{}.
		WithType(ddop.ElementDevice).
		WithNumber(0).
		WithParent(dev).
		WithDesignator("Sprayer").
		WithChild(boom))
	return pool
}

// startDiagnostics serves the Prometheus metrics and a JSON view of the
// control function table.
func startDiagnostics(listen string, mgr *network.Manager) *http.Server {
	metrics.Register(mgr, nil)

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/controlfunctions", func(w http.ResponseWriter, _ *http.Request) {
		type cfView struct {
			Name    string `json:"name"`
			Address uint8  `json:"address"`
			Port    uint8  `json:"port"`
		}
		var out []cfView
		for port := 0; port < mgr.NumPorts(); port++ {
			for _, cf := range mgr.Externals(uint8(port)) {
				out = append(out, cfView{
					Name:    cf.Name().String(),
					Address: cf.Address(),
					Port:    cf.Port(),
				})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})

	srv := &http.Server{Addr: listen, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("diagnostics listener failed", logger.Err(err))
		}
	}()
	return srv
}
