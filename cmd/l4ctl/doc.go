// Command l4ctl is the command-line client of the l4core admin API.
//
//	l4ctl names
//	l4ctl invoke calc add 2 40
//	l4ctl invoke echo upper '"hello"'
//	l4ctl snapshot kernel.cbor.zst
//	l4ctl trace dispatch
//
// The server address comes from -addr or L4CTL_ADDR.
package main
