// Package config holds the virtual-server configuration and parses it from
// the directive file format.
//
// The configuration is read once at startup and then shared read-only by
// every connection.
//
// # File Structure
//
//	# comments run to end of line
//	server {
//	    listen 127.0.0.1:8080;
//	    server_name example.com;
//	    client_max_body_size 10m;
//	    error_page 404 /errors/404.html;
//
//	    location / {
//	        root ./www;
//	        methods GET POST;
//	        index index.html;
//	        autoindex off;
//	    }
//
//	    location /upload {
//	        root ./www;
//	        methods POST DELETE;
//	        upload_store ./uploads;
//	    }
//
//	    location /cgi-bin {
//	        root ./www;
//	        methods GET POST;
//	        cgi .py /usr/bin/python3;
//	        cgi .cgi;
//	    }
//
//	    location /old {
//	        return 301 https://example.com/new;
//	    }
//	}
//
// Several server blocks may share a listen address. The first one is the
// default; the others are selected by the request's Host header.
//
// A target maps to a file by appending the whole target path to the
// matched location's root, the way nginx's root directive works.
package config
