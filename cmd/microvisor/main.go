//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nestybox/microvisor/config"
	"github.com/nestybox/microvisor/dispatch"
	"github.com/nestybox/microvisor/domain"
	"github.com/nestybox/microvisor/events"
	"github.com/nestybox/microvisor/handler"
	"github.com/nestybox/microvisor/ipc"
	"github.com/nestybox/microvisor/memory"
	"github.com/nestybox/microvisor/process"
	"github.com/nestybox/microvisor/rpc"
	"github.com/nestybox/microvisor/sandbox"
	"github.com/nestybox/microvisor/sched"
	"github.com/nestybox/microvisor/sysio"

	systemd "github.com/coreos/go-systemd/daemon"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const (
	microvisorRunDir  string = "/run/microvisor"
	microvisorPidFile string = microvisorRunDir + "/microvisor.pid"
	usage             string = `microvisor userspace kernel

microvisor is a daemon that hosts sandboxed processes as cooperative tasks
inside a single host process, mediating every resource access (files,
memory, IPC, scheduling) through a syscall interface served over RPC.
`
)

// Globals to be populated at build time during Makefile processing.
var (
	version  string // extracted from VERSION file
	commitId string // latest git commit-id
	builtAt  string // build time
	builtBy  string // build owner
)

// runtimeServices groups everything the exit handler must tear down.
type runtimeServices struct {
	rps *rpc.RpcService
	dsp domain.DispatcherServiceIface
	sch domain.SchedulerIface
	prs domain.ProcessServiceIface
	evs domain.ObservabilityIface
}

//
// microvisor exit handler goroutine.
//
func exitHandler(
	signalChan chan os.Signal,
	svcs *runtimeServices,
	profile interface{ Stop() }) {

	var printStack = false

	s := <-signalChan

	logrus.Warnf("microvisor caught signal: %s", s)

	logrus.Info("Stopping (gracefully) ...")

	systemd.SdNotify(false, systemd.SdNotifyStopping)

	switch s {

	case syscall.SIGABRT:
		printStack = true

	case syscall.SIGINT:
		printStack = true

	case syscall.SIGQUIT:
		printStack = true

	case syscall.SIGSEGV:
		printStack = true
	}

	if printStack {
		// Buffer size = 1024 x 32, enough to hold every goroutine stack-trace.
		stacktrace := make([]byte, 32768)
		length := runtime.Stack(stacktrace, true)
		logrus.Warnf("\n\n%s\n", string(stacktrace[:length]))
	}

	// Stop accepting control-plane requests, then unwind the background
	// loops in dependency order: dispatcher workers, scheduler loop,
	// remaining processes, event plane.
	svcs.rps.Stop()
	svcs.dsp.Shutdown()
	svcs.sch.Shutdown()
	svcs.prs.Shutdown()
	svcs.evs.Shutdown()

	// Stop cpu/mem profiling tasks.
	if profile != nil {
		profile.Stop()
	}

	// Delete pid file.
	if err := destroyPidFile(microvisorPidFile); err != nil {
		logrus.Warnf("failed to destroy microvisor pid file: %v", err)
	}

	logrus.Info("Exiting ...")
	os.Exit(0)
}

// Run cpu / memory profiling collection.
func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {

	var prof interface{ Stop() }

	cpuProfOn := ctx.Bool("cpu-profiling")
	memProfOn := ctx.Bool("memory-profiling")

	// Cpu and Memory profiling options seem to be mutually excluded in pprof.
	if cpuProfOn && memProfOn {
		return nil, fmt.Errorf("Unsupported parameter combination: cpu and memory profiling")
	}

	// Typical / non-profiling case.
	if !(cpuProfOn || memProfOn) {
		return nil, nil
	}

	// Notice that 'NoShutdownHook' option is passed to profiler constructor to
	// avoid this one reacting to 'sigterm' signal arrival. IOW, we want
	// microvisor's signal handler to be the one stopping all profiling tasks.

	if cpuProfOn {
		prof = profile.Start(
			profile.CPUProfile,
			profile.ProfilePath("."),
			profile.NoShutdownHook,
		)
	}

	if memProfOn {
		prof = profile.Start(
			profile.MemProfile,
			profile.ProfilePath("."),
			profile.NoShutdownHook,
		)
	}

	return prof, nil
}

func setupRunDir() error {
	if err := os.MkdirAll(microvisorRunDir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %s", microvisorRunDir, err)
	}
	return nil
}

//
// microvisor main function
//
func main() {

	app := cli.NewApp()
	app.Name = "microvisor"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Value: "",
			Usage: "configuration file path (YAML); flags override file values",
		},
		cli.StringFlag{
			Name:  "listen",
			Value: "",
			Usage: "control-plane listen address (host:port)",
		},
		cli.StringFlag{
			Name:  "data-root",
			Value: "",
			Usage: "host directory backing the sandboxed /storage mount",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path or empty string for stderr output (default: \"\")",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	// show-version specialization.
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("microvisor\n"+
			"\tversion: \t%s\n"+
			"\tcommit: \t%s\n"+
			"\tbuilt at: \t%s\n"+
			"\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	// Define 'debug' and 'log' settings.
	app.Before = func(ctx *cli.Context) error {

		// Create/set the log-file destination.
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(
				path,
				os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC,
				0666,
			)
			if err != nil {
				logrus.Fatalf(
					"Error opening log file %v: %v. Exiting ...",
					path, err,
				)
				return err
			}

			logrus.SetOutput(f)
			log.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
			log.SetOutput(os.Stderr)
		}

		if logFormat := ctx.GlobalString("log-format"); logFormat == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
			})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
				FullTimestamp:   true,
			})
		}

		// Set desired log-level.
		if logLevel := ctx.GlobalString("log-level"); logLevel != "" {
			switch logLevel {
			case "debug":
				logrus.SetLevel(logrus.DebugLevel)
			case "info":
				logrus.SetLevel(logrus.InfoLevel)
			case "warning":
				logrus.SetLevel(logrus.WarnLevel)
			case "error":
				logrus.SetLevel(logrus.ErrorLevel)
			case "fatal":
				logrus.SetLevel(logrus.FatalLevel)
			default:
				logrus.Fatalf(
					"log-level option '%v' not recognized. Exiting ...",
					logLevel,
				)
			}
		} else {
			// Set 'info' as our default log-level.
			logrus.SetLevel(logrus.InfoLevel)
		}

		return nil
	}

	// microvisor main-loop execution.
	app.Action = func(ctx *cli.Context) error {

		logrus.Info("Initiating microvisor ...")

		err := checkPidFile("microvisor", microvisorPidFile)
		if err != nil {
			return err
		}

		cfg, err := config.Load(ctx.GlobalString("config"))
		if err != nil {
			return err
		}
		if addr := ctx.GlobalString("listen"); addr != "" {
			cfg.Listen = addr
		}
		if root := ctx.GlobalString("data-root"); root != "" {
			cfg.DataRoot = root
		}

		// Print key configuration knobs settings.
		logrus.Infof("Scheduler: policy = %s, quantum = %v, tick = %v",
			cfg.SchedulerPolicy, cfg.SchedulerQuantum.Std(), cfg.PreemptionTick.Std())
		logrus.Infof("Memory: capacity = %d bytes, warn = %d%%, critical = %d%%",
			cfg.MemoryCapacity, cfg.MemoryWarnPct, cfg.MemoryCriticalPct)
		logrus.Infof("Default sandbox profile = %s", cfg.DefaultSandboxProfile)

		// Construct microvisor services.
		var ioService = sysio.NewIOService()
		var observabilityService = events.NewObservabilityService(
			cfg.StreamBufferCapacity,
			cfg.SamplingInitialRate,
			cfg.AnomalyThreshold,
		)
		var memoryService = memory.NewMemoryService(
			cfg.MemoryCapacity,
			cfg.MemoryWarnPct,
			cfg.MemoryCriticalPct,
			cfg.GCColdWindow.Std(),
		)
		var sandboxService = sandbox.NewSandboxService()
		var ipcService = ipc.NewIpcService()
		var processService = process.NewProcessService()
		var schedulerService = sched.NewSchedulerService(
			cfg.Policy(),
			cfg.SchedulerQuantum.Std(),
			cfg.PreemptionTick.Std(),
			cfg.AgingThreshold,
		)
		var handlerService = handler.NewHandlerService()
		var dispatcherService = dispatch.NewDispatcherService(cfg.JitHotThreshold)
		var rpcService = rpc.NewRpcService()

		// Create the microvisor run dir
		err = setupRunDir()
		if err != nil {
			return fmt.Errorf("failed to setup the microvisor run dir: %v", err)
		}

		// Setup microvisor services.
		ioService.Setup(observabilityService)

		if err := ioService.Mount("/tmp", domain.IOMemBackend, ""); err != nil {
			return err
		}
		if cfg.DataRoot != "" {
			if err := ioService.Mount(
				"/storage", domain.IOHostBackend, cfg.DataRoot); err != nil {
				return err
			}
		}

		memoryService.Setup(observabilityService)

		sandboxService.Setup(observabilityService)

		ipcService.Setup(processService, observabilityService)

		processService.Setup(
			schedulerService,
			memoryService,
			ipcService,
			sandboxService,
			observabilityService,
			ioService,
		)
		processService.SetOrphanPolicy(cfg.Orphans())

		schedulerService.Setup(processService, observabilityService)

		handlerService.Setup(
			handler.DefaultHandlers,
			processService,
			memoryService,
			ipcService,
			schedulerService,
			ioService,
			observabilityService,
		)

		dispatcherService.Setup(
			handlerService,
			sandboxService,
			processService,
			ipcService,
			schedulerService,
			observabilityService,
		)

		rpcService.Setup(dispatcherService, cfg.Listen)

		// Launch the background preemption loop.
		schedulerService.Start()

		// If requested, launch cpu/mem profiling collection.
		prof, err := runProfiler(ctx)
		if err != nil {
			logrus.Fatal(err)
		}

		// Launch exit handler (performs proper cleanup of microvisor upon
		// receiving termination signals).
		var exitChan = make(chan os.Signal, 1)
		signal.Notify(
			exitChan,
			syscall.SIGHUP,
			syscall.SIGINT,
			syscall.SIGTERM,
			syscall.SIGSEGV,
			syscall.SIGQUIT)
		go exitHandler(exitChan, &runtimeServices{
			rps: rpcService,
			dsp: dispatcherService,
			sch: schedulerService,
			prs: processService,
			evs: observabilityService,
		}, prof)

		systemd.SdNotify(false, systemd.SdNotifyReady)

		// Create microvisor pid file.
		err = createPidFile(microvisorPidFile)
		if err != nil {
			return fmt.Errorf("failed to create microvisor.pid file: %s", err)
		}

		logrus.Info("Ready ...")

		if err := rpcService.Init(); err != nil {
			logrus.Errorf("failed to start microvisor: %v", err)
		}

		// Exited main event-loop. Unwind and delete pid file.
		dispatcherService.Shutdown()
		schedulerService.Shutdown()
		time.Sleep(100 * time.Millisecond)

		if err := destroyPidFile(microvisorPidFile); err != nil {
			logrus.Warnf("failed to destroy microvisor pid file: %v", err)
		}
		logrus.Info("Done.")

		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
