/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package app

import (
	"fmt"
	"strconv"

	"github.com/spf13/pflag"
)

type Options struct {
	ConfigFile  string
	Port        string
	TLSCertFile string
	TLSKeyFile  string
}

func NewOptions() *Options {
	return &Options{Port: "8080"}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ConfigFile, "config", o.ConfigFile, "Path to the router configuration file, defaults are used when empty")
	fs.StringVar(&o.Port, "port", o.Port, "Server listen port")
	fs.StringVar(&o.TLSCertFile, "tls-cert", o.TLSCertFile, "TLS certificate file path")
	fs.StringVar(&o.TLSKeyFile, "tls-key", o.TLSKeyFile, "TLS key file path")
}

func (o *Options) Validate() error {
	if (o.TLSCertFile != "" && o.TLSKeyFile == "") || (o.TLSCertFile == "" && o.TLSKeyFile != "") {
		return fmt.Errorf("tls-cert and tls-key must be specified together")
	}
	port, err := strconv.Atoi(o.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %q", o.Port)
	}
	return nil
}

func (o *Options) EnableTLS() bool {
	return o.TLSCertFile != "" && o.TLSKeyFile != ""
}
