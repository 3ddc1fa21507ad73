package mem

// page protections, matching PROT_* in <sys/mman.h>
const (
	PROT_NONE  = 0
	PROT_READ  = 1
	PROT_WRITE = 2
	PROT_EXEC  = 4
	PROT_ALL   = 7
)

func ProtString(prot int) string {
	s := []byte("---")
	for i, c := range "rwx" {
		if prot&(1<<uint(i)) != 0 {
			s[i] = byte(c)
		}
	}
	return string(s)
}
