/*
 Licensed to the Apache Software Foundation (ASF) under one
 or more contributor license agreements.  See the NOTICE file
 distributed with this work for additional information
 regarding copyright ownership.  The ASF licenses this file
 to you under the Apache License, Version 2.0 (the
 "License"); you may not use this file except in compliance
 with the License.  You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package configs

import (
	"github.com/kestrel-hpc/kestrel-core/pkg/locking"
)

// Dynamic settings rideable through the config map. Log levels use the
// "log.<subsystem>.level" form consumed by pkg/log.
const (
	CMLogLevel = "log.level"
)

var configMap map[string]string
var callbacks map[string]func()
var cmLock locking.RWMutex

func init() {
	configMap = make(map[string]string)
	callbacks = make(map[string]func())
}

// GetConfigMap returns the current dynamic configuration map. Callers must
// treat the returned map as read-only.
func GetConfigMap() map[string]string {
	cmLock.RLock()
	defer cmLock.RUnlock()
	return configMap
}

// SetConfigMap replaces the dynamic configuration and runs the registered
// callbacks. A nil map resets to empty.
func SetConfigMap(conf map[string]string) {
	cmLock.Lock()
	if conf == nil {
		conf = make(map[string]string)
	}
	configMap = conf
	cbs := make([]func(), 0, len(callbacks))
	for _, cb := range callbacks {
		cbs = append(cbs, cb)
	}
	cmLock.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// AddConfigMapCallback registers a callback to run after every SetConfigMap.
// The id allows later removal; re-registering an id replaces the callback.
func AddConfigMapCallback(id string, callback func()) {
	cmLock.Lock()
	defer cmLock.Unlock()
	callbacks[id] = callback
}

func RemoveConfigMapCallback(id string) {
	cmLock.Lock()
	defer cmLock.Unlock()
	delete(callbacks, id)
}
