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

package main

import (
	"os"

	"k8s.io/klog/v2"

	"github.com/volcano-sh/kv-router/cmd/kv-router/app"
)

func main() {
	defer klog.Flush()
	if err := app.NewCommand().Execute(); err != nil {
		klog.Errorf("kv-router exited: %v", err)
		klog.Flush()
		os.Exit(1)
	}
}
