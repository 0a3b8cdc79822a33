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

package main

import (
	"flag"
	"log"
	"net"
	"os"
	"time"

	"github.com/kestrel-hpc/kestrel-core/pkg/auth"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

/*
A minimal batch client that delivers one signal to a job. With a key file it
authenticates through the shared-key method, without one it relies on the
connection arriving from a reserved port or host trust on the server side.
*/
var (
	server  = flag.String("server", "localhost:15001", "batch server address")
	jobID   = flag.String("job", "", "job id to signal")
	sigName = flag.String("signal", "SIGTERM", "signal name to deliver")
	user    = flag.String("user", os.Getenv("USER"), "user to run as")
	keyFile = flag.String("keyfile", "", "shared key file for the hmac method")
	timeout = flag.Duration("timeout", 30*time.Second, "overall request deadline")
)

func main() {
	flag.Parse()
	if *jobID == "" {
		log.Fatalf("Usage: %s -job <job-id> [-signal <name>] [-server <addr>] [-keyfile <path>]", os.Args[0])
	}

	nc, err := net.Dial("tcp", *server)
	if err != nil {
		log.Fatalf("cannot reach %s: %v", *server, err)
	}
	defer nc.Close()
	if err = nc.SetDeadline(time.Now().Add(*timeout)); err != nil {
		log.Fatalf("deadline: %v", err)
	}
	r := wire.NewReader(nc)
	w := wire.NewWriter(nc)

	roundTrip(r, w, &wire.Request{Type: wire.TypeConnect, User: *user, Body: &wire.EmptyBody{}})

	if *keyFile != "" {
		authenticate(r, w)
	}

	reply := roundTrip(r, w, &wire.Request{
		Type: wire.TypeSignalJob,
		User: *user,
		Body: &wire.SignalBody{JobID: *jobID, Signal: *sigName},
	})
	log.Printf("signal %s delivered to %s (aux %d)", *sigName, *jobID, reply.Aux)
}

func roundTrip(r *wire.Reader, w *wire.Writer, req *wire.Request) *wire.Reply {
	if err := wire.EncodeRequest(w, req); err != nil {
		log.Fatalf("send %s: %v", req.Type, err)
	}
	reply, err := wire.DecodeReply(r)
	if err != nil {
		log.Fatalf("read %s reply: %v", req.Type, err)
	}
	if !reply.OK() {
		log.Fatalf("%s refused: %s", req.Type, reply.Code)
	}
	return reply
}

// authenticate runs the shared-key handshake on the auth channel only. The
// server speaks first on the channel, the conversation ends with its OK
// token or an error token.
func authenticate(r *wire.Reader, w *wire.Writer) {
	method := auth.NewHMAC()
	if err := method.Configure(map[string]string{"keyfile": *keyFile}); err != nil {
		log.Fatalf("hmac setup: %v", err)
	}
	ctx, err := method.NewContext(auth.ContextParams{Initiator: true, User: *user})
	if err != nil {
		log.Fatalf("hmac setup: %v", err)
	}
	defer ctx.Close()

	roundTrip(r, w, &wire.Request{
		Type: wire.TypeAuthenticate,
		User: *user,
		Body: &wire.AuthenBody{AuthMethod: auth.MethodHMAC},
	})
	for {
		tokenType, data, err := auth.ReadToken(r)
		if err != nil {
			log.Fatalf("authentication failed: %v", err)
		}
		if tokenType == auth.TokenContextOK {
			return
		}
		out, _, err := ctx.Process(data)
		if err != nil {
			log.Fatalf("authentication failed: %v", err)
		}
		if err = auth.WriteToken(w, auth.TokenContextData, out); err != nil {
			log.Fatalf("authentication failed: %v", err)
		}
	}
}
