package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	dempsy "github.com/dempsy-project/dempsy"
)

func main() {
	bindFlag := flag.String("bind", "tcp://0.0.0.0:7990", "scheme://host:port to bind the FramedReceiver to")
	appFlag := flag.String("app", "demo", "application name published in the coordination directory")
	clusterFlag := flag.String("cluster", "default", "cluster name this node hosts")
	readersFlag := flag.Int("readers", dempsy.DefaultNumReaders, "number of Reader goroutines")
	deserFlag := flag.Int("deser-pool", dempsy.DefaultDeserializationPool, "deserialization worker pool size")
	maxMsgFlag := flag.Int("max-message-size", dempsy.DefaultMaxMessageSize, "maximum frame payload size in bytes")
	secureFlag := flag.Bool("secure", false, "wrap connections in a Noise NN handshake")
	retryFlag := flag.Duration("retry-timeout", dempsy.DefaultRetryTimeout, "reconciler retry interval on directory error")
	ifaceFlag := flag.String("network-interface", "", "bind to this interface's first non-loopback IPv4 address instead of -bind's host")
	hardShutdownFlag := flag.Bool("hard-shutdown", dempsy.DefaultHardShutdown, "skip waiting for in-flight work to drain on shutdown")

	flag.Usage = printUsage
	flag.Parse()

	addr, err := dempsy.ParseNodeAddress(*bindFlag)
	if err != nil {
		log.Fatalf("invalid -bind address %q: %v", *bindFlag, err)
	}
	addr.Guid = dempsy.NewGuid()
	addr.MaxMessageSize = *maxMsgFlag

	cfg := dempsy.NewConfig(
		dempsy.WithNumReaders(*readersFlag),
		dempsy.WithDeserializationPool(*deserFlag),
		dempsy.WithMaxMessageSize(*maxMsgFlag),
		dempsy.WithSecureTransport(*secureFlag),
		dempsy.WithRetryTimeout(*retryFlag),
		dempsy.WithNetworkInterface(*ifaceFlag),
		dempsy.WithHardShutdown(*hardShutdownFlag),
	)

	serializer := dempsy.NewGobSerializer()
	coord := dempsy.NewMemoryCoordinationSession()
	defer coord.Close()

	table := dempsy.NewRoutingTable()
	threading := dempsy.NewOrderedPerContainerThreadingModel(echoContainers{}, cfg)
	threading.Start()

	feedback := dempsy.NewThreadingFeedbackLoop(threading)
	dispatcher := dempsy.NewOutgoingDispatcher(table, addr, feedback, cfg)
	_ = dispatcher // wired for application code to call Dispatch; unused by this demo binary

	receiver := dempsy.NewFramedReceiver(frameListener{threading: threading, serializer: serializer}, cfg)
	bindAddr := addr.Host + ":" + strconv.Itoa(addr.Port)
	if err := receiver.Start(bindAddr); err != nil {
		log.Fatalf("failed to bind receiver on %s: %v", bindAddr, err)
	}
	defer receiver.Close()

	senderPool := dempsy.NewSenderPool(cfg.Context(), serializer, cfg)
	defer senderPool.Shutdown()

	clusterID := dempsy.ClusterId{ApplicationName: *appFlag, ClusterName: *clusterFlag}
	self := dempsy.NodeInformation{
		Address: addr,
		Clusters: map[dempsy.ClusterId]dempsy.ClusterInformation{
			clusterID: {Id: clusterID, MessageTypes: []string{"echo"}},
		},
	}
	if err := publishSelf(cfg, coord, self, serializer); err != nil {
		log.Fatalf("failed to publish node information: %v", err)
	}

	reconciler := dempsy.NewRoutingTableReconciler(coord, table, serializer, addr, cfg)
	reconciler.AttachSenderPool(senderPool)
	reconciler.Start()
	defer reconciler.Stop()

	log.Printf("dempsy node %s listening on %s (cluster %s)", addr.Guid, addr.String(), clusterID)

	waitForShutdown()
	log.Printf("dempsy node %s shutting down", addr.Guid)
	threading.Stop()
}

func publishSelf(cfg *dempsy.Config, coord dempsy.CoordinationSession, ni dempsy.NodeInformation, s dempsy.Serializer) error {
	if err := coord.MkdirRecursive(cfg.Context(), dempsy.NodesPath); err != nil {
		return err
	}
	blob, err := s.Serialize(ni)
	if err != nil {
		return err
	}
	return coord.SetData(cfg.Context(), dempsy.NodesPath+"/"+ni.Address.Guid, blob)
}

func waitForShutdown() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

func printUsage() {
	log.Printf("dempsy-node: run a single message-plane node\n")
	flag.PrintDefaults()
}
