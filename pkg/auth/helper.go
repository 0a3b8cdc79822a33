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

package auth

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
)

// HelperBinary is the default name of the setuid identity helper a client
// runs for the resvport method. The helper opens its own connection to the
// server from a reserved port and vouches for the client connection named by
// its arguments.
const HelperBinary = "kestrel_iff"

// Helper exit codes.
const (
	helperExitOK         = 0
	helperExitCredential = 1
	helperExitPermission = 2
)

// RunHelper executes the identity helper and maps its exit status onto the
// batch error taxonomy. Anything the helper wrote to stderr is carried in the
// returned error verbatim.
func RunHelper(ctx context.Context, path string, serverHost string, serverPort int, clientPort int) error {
	cmd := exec.CommandContext(ctx, path,
		serverHost,
		strconv.Itoa(serverPort),
		strconv.Itoa(clientPort))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	diag := strings.TrimRight(stderr.String(), "\n")

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		// The helper never ran, typically a missing or non-executable binary.
		return batcherr.Wrap(batcherr.CodeSystem, helperMessage(path, "failed to start", diag), err)
	}
	switch exitErr.ExitCode() {
	case helperExitCredential:
		return batcherr.New(batcherr.CodeBadCredential, helperMessage(path, "rejected credential", diag))
	case helperExitPermission:
		return batcherr.New(batcherr.CodePermission, helperMessage(path, "denied permission", diag))
	default:
		return batcherr.Newf(batcherr.CodeSystem, "%s", helperMessage(path, "exited with status "+strconv.Itoa(exitErr.ExitCode()), diag))
	}
}

func helperMessage(path, outcome, diag string) string {
	msg := path + " " + outcome
	if diag != "" {
		msg += ": " + diag
	}
	return msg
}
