package banner

import "fmt"

const banner = `
██████╗  █████╗ ██████╗ ██╗     ███████╗██╗   ██╗
██╔══██╗██╔══██╗██╔══██╗██║     ██╔════╝╚██╗ ██╔╝
██████╔╝███████║██████╔╝██║     █████╗   ╚████╔╝
██╔═══╝ ██╔══██║██╔══██╗██║     ██╔══╝    ╚██╔╝
██║     ██║  ██║██║  ██║███████╗███████╗   ██║
╚═╝     ╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝╚══════╝   ╚═╝
`

// Print writes the startup banner with runtime info and a short endpoint
// cheat sheet.
func Print(addr, driver, storePath, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("Storage:  %s (%s)\n", driver, storePath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("POST /v1/users/{other}/messages   - send a direct message")
	fmt.Println("GET  /v1/threads/{id}/messages    - thread history")
	fmt.Println("POST /v1/threads/{id}/read        - advance read cursor")
	fmt.Println("GET  /v1/inbox                    - inbox rows with unread counts")
	fmt.Println("GET  /v1/unread                   - total unread")
	fmt.Println("GET  /v1/events                   - realtime feed (SSE)")
	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl -X POST 'http://localhost%s/v1/users/bob/messages' -H 'X-User-ID: alice' -d '{\"body\":\"hello\"}'\n", addr)
	fmt.Printf("curl 'http://localhost%s/v1/inbox' -H 'X-User-ID: bob'\n", addr)
}
