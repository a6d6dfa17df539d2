/*
Package kernel implements the synchronous IPC core: kernel objects,
capability tables, address spaces and the rendezvous engine.

# Overview

Every kernel thread is driven by exactly one goroutine, the one that calls
its IPC operations. A message moves only when a sender and a receiver
meet: there is no kernel buffering. Rendezvous state is protected by one
kernel lock and the transfer runs under it, so neither party observes a
half-copied message.

# Objects

Threads, tasks, IPC gates, IRQs, factories, dataspaces and the log are
kernel objects. They are reference counted by the capability table
entries that name them and destroyed when the last one is deleted.
Destruction is deferred until the kernel lock is released.

# Invocation

Calling a capability that names a thread or a bound IPC gate is IPC.
Calling any other object, or a thread or gate with its own protocol
label, runs the object's operation synchronously through a jump table
keyed by kind, protocol and opcode.

# Usage

	k := kernel.New(kernel.DefaultConfig(), kernel.WithLogger(log))
	task, _ := k.NewTask("server")
	srv, _, _ := task.NewThread("srv")
	gate, _, _ := task.NewGate(srv, 0x10)

	go func() {
		tag, label := srv.Wait(abi.TimeoutNever)
		// ... read srv.UTCB().MR, write the reply ...
		srv.Reply(abi.NewTag(0, 1, 0, 0))
	}()
*/
package kernel
