// Command server runs the migration control panel: a local web UI that
// configures the toolkit's env files and supervises its scripts.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"stoat-panel/internal/config"
	"stoat-panel/internal/realtime"
	"stoat-panel/internal/session"
	"stoat-panel/internal/watcher"

	"github.com/spf13/cobra"
)

var (
	flagHost           string
	flagPort           int
	flagRoot           string
	flagStaticDir      string
	flagPython         string
	flagBufferCapacity int
)

var rootCmd = &cobra.Command{
	Use:   "stoat-panel",
	Short: "Local web control panel for the Discord → Stoat migration toolkit",
	Long: `Serves a local control panel that edits the migration toolkit's .env
files and runs its scripts (archiver bot, validator, importer, setup) as
supervised child processes with live output streaming.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&flagHost, "host", "127.0.0.1", "bind host")
	rootCmd.Flags().IntVar(&flagPort, "port", 8080, "bind port")
	rootCmd.Flags().StringVar(&flagRoot, "root", ".", "toolkit root directory containing the scripts")
	rootCmd.Flags().StringVar(&flagStaticDir, "static-dir", "", "directory with the frontend to serve at /")
	rootCmd.Flags().StringVar(&flagPython, "python", "python3", "python interpreter used to run the scripts")
	rootCmd.Flags().IntVar(&flagBufferCapacity, "buffer-capacity", 250000, "max retained output fragments")
}

func run(cmd *cobra.Command, args []string) error {
	store := config.NewStore(flagRoot, flagPython)
	sess := session.New(flagBufferCapacity)
	rtServer := realtime.New(sess, store, flagStaticDir)

	// Push fresh config to clients when the env files change on disk.
	configWatch := watcher.New(rtServer.OnConfigChange)
	if err := configWatch.Watch(store.DiscordEnvPath(), store.StoatEnvPath()); err != nil {
		log.Printf("config watcher disabled: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", flagHost, flagPort)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rtServer.Handler(),
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		configWatch.Shutdown()
		sess.Shutdown()
		httpServer.Close()
	}()

	log.Printf("Migration panel running at http://%s", addr)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
