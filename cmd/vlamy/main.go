// Package main is the entry point for the VLAMy container launcher.
//
// @title          VLAMy
// @version        1.0
// @description    VLAMy container launcher: bootstrap status, health probes and sign-in.
// @host           localhost:7860
// @BasePath       /
// @schemes        http
//
// @securityDefinitions.apikey TokenAuth
// @in                         header
// @name                       Authorization
// @description                Token <key>
package main

func main() {
	Execute()
}
