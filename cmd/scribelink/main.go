// Package main provides the entry point for the scribelink helper binary.
// It links the desktop app to the Scribe Cloud provider over the OAuth
// PKCE loopback flow and manages the stored credential.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/atotto/clipboard"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/openscribe/scribelink/internal/auth"
	"github.com/openscribe/scribelink/internal/browser"
	"github.com/openscribe/scribelink/internal/buildinfo"
	"github.com/openscribe/scribelink/internal/config"
	"github.com/openscribe/scribelink/internal/credentials"
	"github.com/openscribe/scribelink/internal/logging"
	"github.com/openscribe/scribelink/internal/provider"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

// main parses command-line flags, loads configuration, and runs the
// requested operation (login, status, models, or disconnect).
func main() {
	var login bool
	var noBrowser bool
	var status bool
	var disconnect bool
	var listModels bool
	var callbackPort int
	var configPath string

	flag.BoolVar(&login, "login", false, "Link this machine to a Scribe Cloud account")
	flag.BoolVar(&noBrowser, "no-browser", false, "Do not open the browser; print the sign-in URL instead")
	flag.BoolVar(&status, "status", false, "Show whether a Scribe Cloud credential is stored")
	flag.BoolVar(&disconnect, "disconnect", false, "Remove the stored Scribe Cloud credential")
	flag.BoolVar(&listModels, "models", false, "List the models available to the linked account")
	flag.IntVar(&callbackPort, "callback-port", 0, "Preferred port for the OAuth callback listener")
	flag.StringVar(&configPath, "config", "", "Path to the configuration file")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		log.Debug("loaded environment overrides from .env")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err = logging.ConfigureLogOutput(cfg); err != nil {
		fmt.Printf("Failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	store := credentials.NewFileStore(cfg.AuthDir)
	client := provider.NewClient(cfg)

	switch {
	case login:
		runLogin(cfg, client, store, noBrowser, callbackPort)
	case disconnect:
		runDisconnect(client, store)
	case status:
		runStatus(store)
	case listModels:
		runModels(client, store)
	default:
		fmt.Printf("scribelink %s (%s, built %s)\n\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		flag.Usage()
	}
}

// runLogin drives one authentication session to a terminal state.
func runLogin(cfg *config.Config, client *provider.Client, store *credentials.FileStore, noBrowser bool, callbackPort int) {
	ports := cfg.CallbackPorts
	if callbackPort > 0 {
		ports = append([]int{callbackPort}, ports...)
	}

	opts := auth.ControllerOptions{
		AuthorizationURL: cfg.Provider.AuthorizationURL,
		CallbackPorts:    ports,
	}
	if !noBrowser && browser.IsAvailable() {
		opts.OpenBrowser = browser.OpenURL
	}

	controller := auth.NewController(client, store, opts)

	authURL, err := controller.StartAuthentication(context.Background())
	if err != nil {
		fmt.Println(auth.UserFriendlyMessage(err))
		os.Exit(1)
	}

	if opts.OpenBrowser == nil {
		if errClip := clipboard.WriteAll(authURL); errClip == nil {
			fmt.Println("The sign-in URL has been copied to your clipboard.")
		}
		fmt.Printf("Visit the following URL to continue:\n%s\n", authURL)
	} else {
		fmt.Println("Opening browser for Scribe Cloud sign-in...")
	}
	fmt.Println("Waiting for the authorization callback...")

	finalStatus, err := controller.Wait(context.Background())
	if err != nil || finalStatus != auth.StatusConnected {
		if err == nil {
			err = controller.LastError()
		}
		fmt.Println(auth.UserFriendlyMessage(err))
		os.Exit(1)
	}
	fmt.Println("Account connected.")
}

// runDisconnect removes the stored credential.
func runDisconnect(client *provider.Client, store *credentials.FileStore) {
	controller := auth.NewController(client, store, auth.ControllerOptions{})
	if err := controller.Disconnect(); err != nil {
		fmt.Printf("Failed to disconnect: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Disconnected.")
}

// runStatus reports whether a credential is stored.
func runStatus(store *credentials.FileStore) {
	cred, err := store.Get(auth.DefaultProviderID)
	if err != nil {
		fmt.Printf("Failed to read credential store: %v\n", err)
		os.Exit(1)
	}
	if cred == nil || cred.APIKey == "" {
		fmt.Println("Not connected.")
		return
	}
	if cred.Email != "" {
		fmt.Printf("Connected as %s (since %s).\n", cred.Email, cred.CreatedAt)
	} else {
		fmt.Printf("Connected (since %s).\n", cred.CreatedAt)
	}
}

// runModels lists the models available to the linked account.
func runModels(client *provider.Client, store *credentials.FileStore) {
	cred, err := store.Get(auth.DefaultProviderID)
	if err != nil || cred == nil || cred.APIKey == "" {
		fmt.Println("Not connected. Run with -login first.")
		os.Exit(1)
	}

	models, err := client.FetchModels(context.Background(), cred.APIKey)
	if err != nil {
		fmt.Printf("Failed to fetch models: %v\n", err)
		os.Exit(1)
	}
	if len(models) == 0 {
		fmt.Println("No models available.")
		return
	}
	for _, model := range models {
		if model.Default {
			fmt.Printf("%s\t%s (default)\n", model.ID, model.DisplayName)
		} else {
			fmt.Printf("%s\t%s\n", model.ID, model.DisplayName)
		}
	}
}
