// Command unifs browses and manages files across every backend unifs
// supports, addressed by location URLs such as file:///~/notes,
// sftp://user@host/srv or archive:///?src=file:///tmp/a.zip&path=/docs.
package main

func main() {
	Execute()
}
