/*
Copyright 2024 The Functions Worker Test Host Authors.

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

package testhost

import (
	"os"
	"time"

	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/rpc"
	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/workerprocess"

	"github.com/nuclio/errors"
	"gopkg.in/yaml.v3"
)

// Configuration holds the test host settings. The zero value of every field
// falls back to a default, so an empty configuration is valid
type Configuration struct {
	StartTimeout         time.Duration
	StopGracePeriod      time.Duration
	MaxMessageSize       int
	Encoding             rpc.Encoding
	FunctionAppDirectory string
	HostVersion          string
	WorkerArgs           []string
	Env                  map[string]string

	// RunWorker overrides the exec based worker launch, used by tests
	RunWorker workerprocess.RunWorkerFunc
}

// NewConfiguration returns a configuration populated with defaults
func NewConfiguration() *Configuration {
	return &Configuration{
		StartTimeout:    workerprocess.DefaultStartTimeout,
		StopGracePeriod: workerprocess.DefaultStopGracePeriod,
		MaxMessageSize:  workerprocess.DefaultMaxMessageSize,
		Encoding:        rpc.EncodingJSON,
	}
}

// configurationFile is the YAML facing shape - durations are strings in the
// "30s" form
type configurationFile struct {
	StartTimeout         string            `yaml:"startTimeout,omitempty"`
	StopGracePeriod      string            `yaml:"stopGracePeriod,omitempty"`
	MaxMessageSize       int               `yaml:"maxMessageSize,omitempty"`
	Encoding             string            `yaml:"encoding,omitempty"`
	FunctionAppDirectory string            `yaml:"functionAppDirectory,omitempty"`
	HostVersion          string            `yaml:"hostVersion,omitempty"`
	WorkerArgs           []string          `yaml:"workerArgs,omitempty"`
	Env                  map[string]string `yaml:"env,omitempty"`
}

// LoadConfiguration reads a YAML configuration file, applying defaults for
// anything unset
func LoadConfiguration(path string) (*Configuration, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read configuration at %q", path)
	}

	parsedFile := configurationFile{}
	if err := yaml.Unmarshal(contents, &parsedFile); err != nil {
		return nil, errors.Wrapf(err, "Failed to parse configuration at %q", path)
	}

	configuration := NewConfiguration()
	if parsedFile.StartTimeout != "" {
		if configuration.StartTimeout, err = time.ParseDuration(parsedFile.StartTimeout); err != nil {
			return nil, errors.Wrapf(err, "Bad startTimeout - %q", parsedFile.StartTimeout)
		}
	}
	if parsedFile.StopGracePeriod != "" {
		if configuration.StopGracePeriod, err = time.ParseDuration(parsedFile.StopGracePeriod); err != nil {
			return nil, errors.Wrapf(err, "Bad stopGracePeriod - %q", parsedFile.StopGracePeriod)
		}
	}
	if parsedFile.MaxMessageSize != 0 {
		configuration.MaxMessageSize = parsedFile.MaxMessageSize
	}
	if parsedFile.Encoding != "" {
		configuration.Encoding = rpc.Encoding(parsedFile.Encoding)
	}
	configuration.FunctionAppDirectory = parsedFile.FunctionAppDirectory
	configuration.HostVersion = parsedFile.HostVersion
	configuration.WorkerArgs = parsedFile.WorkerArgs
	configuration.Env = parsedFile.Env

	return configuration, nil
}
