// Package errors provides structured, actionable diagnostics for
// configuration files.
//
// Every diagnostic carries a registered code that maps to a category, a
// short message and a longer explanation. Parsers attach the file position
// and the surrounding source so the CLI can point at the offending token:
//
//	err := errors.New("C020").
//	    At("webserv.conf", 3, 12, src).
//	    WithSuggestion("use listen 127.0.0.1:8080;")
//
//	fmt.Print(err.Format())
//	// Output:
//	// ERROR C020: Invalid listen address
//	//
//	//   webserv.conf:3:12
//	//
//	//        1 │ server {
//	//        2 │     server_name example;
//	//   →    3 │     listen 127.0.0.1:99999;
//	//          │            ^
//	//        4 │ }
//	//
//	//   Hint: use listen 127.0.0.1:8080;
package errors
