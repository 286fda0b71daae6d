package main

import (
	"log"

	dempsy "github.com/dempsy-project/dempsy"
)

// frameListener hands every frame the receiver completes straight to the
// threading model's unlimited Submit: the demo node does no backpressure
// shedding at the network boundary.
type frameListener struct {
	threading  *dempsy.OrderedPerContainerThreadingModel
	serializer dempsy.Serializer
}

func (l frameListener) OnMessage(r dempsy.LazyReader) {
	l.threading.Submit(r, l.serializer)
}

// echoContainers hands out one echoContainer per cluster index, lazily, per
// ContainerProvider's contract.
type echoContainers struct{}

func (echoContainers) ContainerFor(clusterIndex int) dempsy.Container {
	return echoContainer{index: clusterIndex}
}

// echoContainer is the demo's only message processor: it logs what it
// received and always succeeds.
type echoContainer struct {
	index int
}

func (c echoContainer) Process(job *dempsy.ContainerJob) {
	msg := job.Message()
	log.Printf("container[%d]: processed key=%q payload=%d bytes", c.index, msg.Key, len(msg.Payload))
}

func (c echoContainer) Reject(job *dempsy.ContainerJob) {
	msg := job.Message()
	log.Printf("container[%d]: rejected key=%q (shutting down)", c.index, msg.Key)
}
