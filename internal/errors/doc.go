// Package errors provides coded, actionable errors for the mtproto tools.
//
// Every error carries a registered code (e.g. "E002") that maps to a
// category, a short message and a longer explanation. Errors that refer
// to a schema or config file can carry a location, in which case the
// surrounding lines are rendered with the offending line marked.
//
// # Error Categories
//
//   - schema: TL schema parse and compile errors
//   - session: key and session state errors
//   - network: transport, handshake and RPC errors
//   - storage: key store errors
//   - config: configuration file errors
//   - cli: command line errors
//
// # Usage
//
//	err := errors.New("E002").
//	    WithLocation("api.tl", 12, 0).
//	    WithSuggestion("Declare flags:# before the predicated argument")
//
//	fmt.Println(err.Format())
//	// Output:
//	// ERROR E002: Invalid flag predicate
//	//
//	//   api.tl:12
//	//
//	//       10 │ inputPeerSelf#7da07ec9 = InputPeer;
//	//       11 │
//	//   →   12 │ peer#aa000001 big:flags.3?true = Peer;
//	//       13 │
//	//
//	//   Hint: Declare flags:# before the predicated argument
package errors
