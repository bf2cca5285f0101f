package main

import "time"

// GlobalFlags are persistent on the root command.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
	JSON       bool
	// Token overrides the session saved by 'procwatch login'.
	Token       string
	SessionFile string
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
	// ShutdownTimeout bounds StopSystem after a signal.
	ShutdownTimeout time.Duration
}

type StartFlags struct {
	SkipStability bool
}
