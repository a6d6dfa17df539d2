/*
Package codec lays typed values out in a thread's message registers.

Untyped values are packed into the register byte stream at their natural
alignment. Byte slices and strings travel inline as a length word
followed by the bytes. Capabilities, mappings and indirect strings
become typed items, which the kernel places after the untyped words.

Writing:

	w := codec.NewWriter(th.UTCB())
	w.PutUint64(opcode)
	w.PutString("hello")
	w.PutCap(ds, abi.RightsRW)
	tag, err := w.Finish(proto)

Reading the same message on the receiving side:

	r := codec.NewReader(th.UTCB(), tag)
	op := r.Uint64()
	s, err := r.String(64) // truncated to 64 bytes, ErrMsgCut if longer

Marshal and Unmarshal do the same for structs, planning each type once:

	type args struct {
		Value int32
		Name  string `l4:"max=32"`
		Data  codec.Mapping
	}
*/
package codec
