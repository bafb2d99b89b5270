// Package worker is the process side of the platform: the runtime that an
// `orka worker` invocation (or a container entrypoint) drives. It subscribes
// to the worker's input channel, hands each message to an opaque pipeline,
// publishes replies on the output channel and pushes history and usage
// envelopes onto the reliable queues. A control listener accepts shutdown and
// restart commands from the orchestrator.
package worker
