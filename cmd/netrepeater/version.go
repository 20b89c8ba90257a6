package main

// Version of the binary, injected at build time.
var version = "0.1.1"
