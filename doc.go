// Module mdcache implements the distributed metadata cache of a clustered
// filesystem metadata service. A cluster of metadata servers (MDS) serves a
// single namespace; each MDS is authoritative for a set of subtrees (its
// imports), caches replicas of metadata owned by peers, and migrates subtree
// authority between nodes for load balancing.
package mdcache
