// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ontap

import klog "k8s.io/klog/v2"

// leveledLogger routes retryablehttp logging through klog.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, keysAndValues ...any) {
	klog.ErrorS(nil, msg, keysAndValues...)
}

func (leveledLogger) Warn(msg string, keysAndValues ...any) {
	klog.InfoS(msg, append([]any{"level", "warning"}, keysAndValues...)...)
}

func (leveledLogger) Info(msg string, keysAndValues ...any) {
	klog.V(3).InfoS(msg, keysAndValues...)
}

func (leveledLogger) Debug(msg string, keysAndValues ...any) {
	klog.V(4).InfoS(msg, keysAndValues...)
}
