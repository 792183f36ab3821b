package server

import "time"

type Options struct {
	Address   string
	Port      int
	Root      string
	Overwrite bool
	Timeout   time.Duration
	Retries   int
	TIDMin    int
	TIDMax    int
}

func NewDefaultOptions() *Options {
	return &Options{
		Address: "0.0.0.0",
		Port:    69,
		Root:    "./files/",
		Timeout: 5 * time.Second,
		Retries: 5,
		TIDMin:  49152,
		TIDMax:  65535,
	}
}
